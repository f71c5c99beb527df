package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/events"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

func openStore(t *testing.T) *SQLStore {
	t.Helper()
	d, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	s, err := NewSQLStore(context.Background(), d)
	require.NoError(t, err)
	return s
}

func TestLifecycleSuccess(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	tr, err := Enqueue(ctx, store, model.JobExport, "alpha", "")
	require.NoError(t, err)
	got, err := store.Get(ctx, tr.ID())
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, got.Status)

	require.NoError(t, tr.Start(ctx, 4))
	tr.Step(ctx, 1, "exported users")
	tr.Step(ctx, 1, "")
	tr.Warn(ctx, errs.ReferenceUnresolved("pages", 2, "created_by_user_id", "9"))

	mid, err := store.Get(ctx, tr.ID())
	require.NoError(t, err)
	assert.Equal(t, model.JobProcessing, mid.Status)
	assert.Equal(t, 2, mid.Completed)
	assert.Equal(t, 50, mid.Percent())
	assert.Equal(t, []string{"exported users"}, mid.Messages)
	require.Len(t, mid.Warnings, 1)

	final := tr.Finish(ctx, nil)
	assert.Equal(t, model.JobCompletedSuccessful, final.Status)
	assert.Equal(t, 100, final.Percent())

	// terminal records do not change
	tr.Step(ctx, 1, "late")
	assert.Equal(t, final.Status, tr.Finish(ctx, errors.New("late failure")).Status)
	stored, err := store.Get(ctx, tr.ID())
	require.NoError(t, err)
	assert.Equal(t, model.JobCompletedSuccessful, stored.Status)
	assert.NotContains(t, stored.Messages, "late")
}

func TestRecordedErrorForcesFailure(t *testing.T) {
	ctx := context.Background()
	tr, err := Enqueue(ctx, openStore(t), model.JobImport, "", "a.zip")
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, 2))

	tr.Fail(ctx, errs.PluginMissing("burnup", "1.0.0"))
	tr.Message(ctx, "still recording %d", 1)

	final := tr.Finish(ctx, nil)
	assert.Equal(t, model.JobCompletedFailed, final.Status)
	assert.Equal(t, []string{"still recording 1"}, final.Messages)
	assert.Len(t, final.Errors, 1)
	assert.Less(t, final.Completed, final.Total)
}

func TestFinishWithError(t *testing.T) {
	ctx := context.Background()
	tr, err := Enqueue(ctx, openStore(t), model.JobImport, "", "a.zip")
	require.NoError(t, err)

	final := tr.Finish(ctx, errs.InvalidArchive("not a zip file", nil))
	assert.Equal(t, model.JobCompletedFailed, final.Status)
	require.Len(t, final.Errors, 1)
	assert.Contains(t, final.Errors[0], "Invalid import file")
}

func TestCompletedIsMonotonicAndClamped(t *testing.T) {
	ctx := context.Background()
	tr, err := Enqueue(ctx, openStore(t), model.JobExport, "alpha", "")
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, 3))

	tr.Step(ctx, 2, "")
	tr.Step(ctx, -5, "")
	assert.Equal(t, 2, tr.Snapshot().Completed)
	tr.Step(ctx, 10, "")
	assert.Equal(t, 3, tr.Snapshot().Completed)

	tr.SetTotal(ctx, 2)
	assert.Equal(t, 2, tr.Snapshot().Completed)
}

func TestStartTwiceFails(t *testing.T) {
	ctx := context.Background()
	tr, err := Enqueue(ctx, openStore(t), model.JobExport, "alpha", "")
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, 1))
	assert.Error(t, tr.Start(ctx, 1))
}

func TestConcurrentSteps(t *testing.T) {
	ctx := context.Background()
	tr, err := Enqueue(ctx, openStore(t), model.JobExport, "alpha", "")
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, 100))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				tr.Step(ctx, 1, "")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, tr.Snapshot().Completed)
}

func TestPublishesProgress(t *testing.T) {
	ctx := context.Background()
	bus := events.NewMemoryPublisher()
	defer bus.Close()

	tr, err := Enqueue(ctx, openStore(t), model.JobExport, "alpha", "", WithPublisher(bus))
	require.NoError(t, err)
	ch := bus.Subscribe(tr.ID())
	require.NoError(t, tr.Start(ctx, 1))

	select {
	case e := <-ch:
		assert.Equal(t, events.JobProgress, e.Type)
		job, ok := e.Data.(model.Job)
		require.True(t, ok)
		assert.Equal(t, model.JobProcessing, job.Status)
	case <-time.After(time.Second):
		t.Fatal("no progress event")
	}
}

func TestStoreListAndPurge(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	done, err := Enqueue(ctx, store, model.JobExport, "alpha", "")
	require.NoError(t, err)
	done.Finish(ctx, nil)
	_, err = Enqueue(ctx, store, model.JobImport, "", "b.zip")
	require.NoError(t, err)

	jobs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	n, err := store.Purge(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only terminal jobs are purged")

	_, err = store.Get(ctx, done.ID())
	assert.ErrorIs(t, err, ErrNotFound)
}
