// Package events is the in-process message bus that dispatches export and
// import jobs to the worker and announces their progress and completion.
package events

import (
	"sync"
	"time"
)

// GlobalJobID is the special job ID for subscribing to all job events.
const GlobalJobID = "*"

// Type identifies the kind of event.
type Type string

const (
	// JobRequested asks the worker to run a queued job. Data is the job payload.
	JobRequested Type = "job.requested"
	// JobProgress reports a progress record change. Data is a model.Job snapshot.
	JobProgress Type = "job.progress"
	// JobCompleted reports a job reaching a terminal state. Data is a model.Job snapshot.
	JobCompleted Type = "job.completed"
)

// Event is a message on the bus.
type Event struct {
	Type  Type      `json:"type"`
	JobID string    `json:"job_id"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data,omitempty"`
}

// New returns an event stamped with the current time.
func New(t Type, jobID string, data any) Event {
	return Event{Type: t, JobID: jobID, Time: time.Now().UTC(), Data: data}
}

// Publisher defines the interface for event publishing.
type Publisher interface {
	// Publish sends an event to the job's subscribers and to global
	// subscribers, and returns how many received it.
	Publish(event Event) int
	// Subscribe returns a channel that receives events for the given job.
	// Use GlobalJobID ("*") to receive events for all jobs.
	Subscribe(jobID string) <-chan Event
	// Unsubscribe removes a subscription channel.
	Unsubscribe(jobID string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher is an in-memory implementation of Publisher.
type MemoryPublisher struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.bufferSize = size
	}
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish never blocks: subscribers whose buffers are full miss the event.
func (p *MemoryPublisher) Publish(event Event) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return 0
	}

	delivered := 0
	send := func(subs []chan Event) {
		for _, ch := range subs {
			select {
			case ch <- event:
				delivered++
			default:
			}
		}
	}
	send(p.subscribers[event.JobID])
	if event.JobID != GlobalJobID {
		send(p.subscribers[GlobalJobID])
	}
	return delivered
}

// Subscribe returns a channel that receives events for the given job.
func (p *MemoryPublisher) Subscribe(jobID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	p.subscribers[jobID] = append(p.subscribers[jobID], ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (p *MemoryPublisher) Unsubscribe(jobID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[jobID]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(p.subscribers[jobID]) == 0 {
		delete(p.subscribers, jobID)
	}
}

// Close shuts down the publisher and closes all subscription channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for jobID, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, jobID)
	}
}

// SubscriberCount returns the number of subscribers for a job.
func (p *MemoryPublisher) SubscriberCount(jobID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[jobID])
}
