package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesJobAndGlobalSubscribers(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	job := p.Subscribe("job-1")
	other := p.Subscribe("job-2")
	all := p.Subscribe(GlobalJobID)

	n := p.Publish(New(JobCompleted, "job-1", "done"))
	assert.Equal(t, 2, n)

	assert.Equal(t, "done", receive(t, job).Data)
	assert.Equal(t, "job-1", receive(t, all).JobID)
	select {
	case e := <-other:
		t.Fatalf("job-2 subscriber received %v", e)
	default:
	}
}

func TestPublishSkipsFullBuffers(t *testing.T) {
	p := NewMemoryPublisher(WithBufferSize(1))
	defer p.Close()

	ch := p.Subscribe("job-1")
	assert.Equal(t, 1, p.Publish(New(JobProgress, "job-1", nil)))
	assert.Equal(t, 0, p.Publish(New(JobProgress, "job-1", nil)))
	receive(t, ch)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewMemoryPublisher()
	ch := p.Subscribe("job-1")
	require.Equal(t, 1, p.SubscriberCount("job-1"))

	p.Unsubscribe("job-1", ch)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, p.SubscriberCount("job-1"))
}

func TestClosedPublisher(t *testing.T) {
	p := NewMemoryPublisher()
	ch := p.Subscribe(GlobalJobID)
	p.Close()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, p.Publish(New(JobRequested, "job-1", nil)))

	late := p.Subscribe("job-1")
	_, open = <-late
	assert.False(t, open)
}
