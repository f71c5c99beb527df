package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/events"
	"github.com/ALT-F4-LLC/crate/internal/metrics"
	"github.com/ALT-F4-LLC/crate/internal/model"
	"github.com/ALT-F4-LLC/crate/internal/progress"
)

func setup(t *testing.T, opts ...Option) (*Worker, events.Publisher, progress.Store, context.Context) {
	t.Helper()
	d, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	store, err := progress.NewSQLStore(context.Background(), d)
	require.NoError(t, err)

	bus := events.NewMemoryPublisher(events.WithBufferSize(1000))
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(bus, store, opts...)
	t.Cleanup(func() {
		cancel()
		w.Wait()
		bus.Close()
	})
	return w, bus, store, ctx
}

func await(t *testing.T, bus events.Publisher, store progress.Store, id string) *model.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := Await(ctx, bus, store, id)
	require.NoError(t, err)
	return job
}

func TestSubmitRunsHandler(t *testing.T) {
	w, bus, store, ctx := setup(t)
	w.Handle(model.JobExport, func(ctx context.Context, tr *progress.Tracker, payload any) error {
		tr.SetTotal(ctx, 2)
		tr.Step(ctx, 1, "exporting "+payload.(string))
		tr.Step(ctx, 1, "")
		return nil
	})
	w.Start(ctx)

	id, err := Submit(ctx, bus, store, model.JobExport, "alpha", "", "alpha")
	require.NoError(t, err)

	job := await(t, bus, store, id)
	assert.Equal(t, model.JobCompletedSuccessful, job.Status)
	assert.Equal(t, 100, job.Percent())
	assert.Equal(t, []string{"exporting alpha"}, job.Messages)
}

func TestHandlerErrorFailsJob(t *testing.T) {
	w, bus, store, ctx := setup(t)
	w.Handle(model.JobImport, func(ctx context.Context, tr *progress.Tracker, _ any) error {
		return errs.InvalidArchive("not a zip archive", nil)
	})
	w.Start(ctx)

	id, err := Submit(ctx, bus, store, model.JobImport, "", "bad.zip", nil)
	require.NoError(t, err)

	job := await(t, bus, store, id)
	assert.Equal(t, model.JobCompletedFailed, job.Status)
	require.Len(t, job.Errors, 1)
	assert.Contains(t, job.Errors[0], "Invalid import file")
}

func TestPanicFailsJob(t *testing.T) {
	w, bus, store, ctx := setup(t)
	w.Handle(model.JobImport, func(context.Context, *progress.Tracker, any) error {
		panic("boom")
	})
	w.Start(ctx)

	id, err := Submit(ctx, bus, store, model.JobImport, "", "a.zip", nil)
	require.NoError(t, err)
	job := await(t, bus, store, id)
	assert.Equal(t, model.JobCompletedFailed, job.Status)
	assert.Contains(t, job.Errors[0], "boom")
}

func TestMissingHandlerFailsJob(t *testing.T) {
	w, bus, store, ctx := setup(t)
	w.Start(ctx)

	id, err := Submit(ctx, bus, store, model.JobExport, "alpha", "", nil)
	require.NoError(t, err)
	job := await(t, bus, store, id)
	assert.Equal(t, model.JobCompletedFailed, job.Status)
}

func TestSubmitWithoutWorker(t *testing.T) {
	_, bus, store, ctx := setup(t)

	id, err := Submit(ctx, bus, store, model.JobExport, "alpha", "", nil)
	assert.True(t, errors.Is(err, ErrNoWorker))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompletedFailed, job.Status)
}

func TestConcurrencyCap(t *testing.T) {
	w, bus, store, ctx := setup(t, WithConcurrency(2))
	var running, peak atomic.Int32
	release := make(chan struct{})
	w.Handle(model.JobExport, func(ctx context.Context, _ *progress.Tracker, _ any) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	})
	w.Start(ctx)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := Submit(ctx, bus, store, model.JobExport, "alpha", "", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	close(release)

	for _, id := range ids {
		assert.Equal(t, model.JobCompletedSuccessful, await(t, bus, store, id).Status)
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestMetricsRecorded(t *testing.T) {
	m := metrics.New()
	w, bus, store, ctx := setup(t, WithMetrics(m))
	w.Handle(model.JobExport, func(context.Context, *progress.Tracker, any) error { return nil })
	w.Start(ctx)

	id, err := Submit(ctx, bus, store, model.JobExport, "alpha", "", nil)
	require.NoError(t, err)
	await(t, bus, store, id)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["crate_jobs_total"])
	assert.True(t, names["crate_jobs_duration_seconds"])
}

func TestAwaitPollsWhenCompletionIsDropped(t *testing.T) {
	defer func(d time.Duration) { pollInterval = d }(pollInterval)
	pollInterval = 10 * time.Millisecond

	_, bus, store, ctx := setup(t)
	// The tracker has no publisher, so Await never sees an event.
	tr, err := progress.Enqueue(ctx, store, model.JobExport, "alpha", "")
	require.NoError(t, err)

	done := make(chan *model.Job, 1)
	go func() {
		job, err := Await(ctx, bus, store, tr.ID())
		if err == nil {
			done <- job
		}
		close(done)
	}()

	require.NoError(t, tr.Start(ctx, 1))
	tr.Finish(ctx, nil)

	select {
	case job, ok := <-done:
		require.True(t, ok, "Await returned an error")
		assert.Equal(t, model.JobCompletedSuccessful, job.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("Await did not return after the job finished")
	}
}

func TestAwaitSurvivesFullBuffer(t *testing.T) {
	defer func(d time.Duration) { pollInterval = d }(pollInterval)
	pollInterval = 10 * time.Millisecond

	d, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	store, err := progress.NewSQLStore(context.Background(), d)
	require.NoError(t, err)
	bus := events.NewMemoryPublisher(events.WithBufferSize(1))
	t.Cleanup(bus.Close)

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(bus, store)
	t.Cleanup(func() {
		cancel()
		w.Wait()
	})
	w.Handle(model.JobImport, func(ctx context.Context, tr *progress.Tracker, _ any) error {
		tr.SetTotal(ctx, 200)
		for range 200 {
			tr.Warn(ctx, errors.New("row skipped"))
			tr.Step(ctx, 1, "")
		}
		return nil
	})
	w.Start(ctx)

	id, err := Submit(ctx, bus, store, model.JobImport, "", "big.zip", nil)
	require.NoError(t, err)

	job := await(t, bus, store, id)
	assert.Equal(t, model.JobCompletedSuccessful, job.Status)
	assert.Len(t, job.Warnings, 200)
}
