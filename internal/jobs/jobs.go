// Package jobs dispatches export and import jobs over the event bus. Submit
// enqueues a progress record and publishes a request; a Worker picks the
// request up, runs the handler registered for its kind and publishes the
// terminal record.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/events"
	"github.com/ALT-F4-LLC/crate/internal/metrics"
	"github.com/ALT-F4-LLC/crate/internal/model"
	"github.com/ALT-F4-LLC/crate/internal/progress"
)

// ErrNoWorker is returned by Submit when no worker received the request.
var ErrNoWorker = errors.New("no worker is running")

// Handler runs one job. Progress, warnings and per-row errors go through t;
// a returned error fails the job.
type Handler func(ctx context.Context, t *progress.Tracker, payload any) error

// Request is the data of a JobRequested event.
type Request struct {
	Job     model.Job
	Payload any
}

// Worker runs requested jobs, at most a fixed number at a time.
type Worker struct {
	bus      events.Publisher
	store    progress.Store
	log      *slog.Logger
	metrics  *metrics.Metrics
	limit    int64
	sem      *semaphore.Weighted
	handlers map[model.JobKind]Handler
	wg       sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithConcurrency caps how many jobs run at once. Values below 1 mean 1.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n < 1 {
			n = 1
		}
		w.limit = int64(n)
	}
}

// WithLogger sets the worker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithMetrics records job outcomes into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker returns a worker reading requests from bus.
func NewWorker(bus events.Publisher, store progress.Store, opts ...Option) *Worker {
	w := &Worker{
		bus:      bus,
		store:    store,
		log:      slog.Default(),
		limit:    1,
		handlers: make(map[model.JobKind]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.sem = semaphore.NewWeighted(w.limit)
	return w
}

// Handle registers the handler for kind. It must be called before Start.
func (w *Worker) Handle(kind model.JobKind, h Handler) {
	w.handlers[kind] = h
}

// Start subscribes to the bus and runs requests until ctx is done or the
// bus is closed. It returns once subscribed.
func (w *Worker) Start(ctx context.Context) {
	ch := w.bus.Subscribe(events.GlobalJobID)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.bus.Unsubscribe(events.GlobalJobID, ch)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if e.Type != events.JobRequested {
					continue
				}
				req, ok := e.Data.(Request)
				if !ok {
					w.log.Error("malformed job request", "job", e.JobID)
					continue
				}
				w.wg.Add(1)
				go w.run(ctx, req)
			}
		}
	}()
}

// Wait blocks until the worker loop and every running job have returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, req Request) {
	defer w.wg.Done()

	t := progress.Resume(&req.Job, w.store, progress.WithPublisher(w.bus), progress.WithLogger(w.log))
	if err := w.sem.Acquire(ctx, 1); err != nil {
		w.complete(t, t.Finish(context.WithoutCancel(ctx), errs.Internal("job cancelled before it started", err)), 0)
		return
	}
	defer w.sem.Release(1)

	log := w.log.With("job", req.Job.ID, "kind", req.Job.Kind)
	h, ok := w.handlers[req.Job.Kind]
	if !ok {
		w.complete(t, t.Finish(ctx, errs.Internal(fmt.Sprintf("no handler for %s jobs", req.Job.Kind), nil)), 0)
		return
	}
	if err := t.Start(ctx, 0); err != nil {
		log.Error("starting job", "error", err)
		w.complete(t, t.Finish(ctx, err), 0)
		return
	}
	if w.metrics != nil {
		w.metrics.JobStarted()
	}

	log.Info("job started")
	began := time.Now()
	err := w.invoke(ctx, h, t, req.Payload)
	job := t.Finish(ctx, err)
	log.Info("job finished", "status", job.Status, "errors", len(job.Errors), "warnings", len(job.Warnings),
		"elapsed", time.Since(began).Round(time.Millisecond))
	w.complete(t, job, time.Since(began))
}

// invoke runs h, turning a panic into a job failure.
func (w *Worker) invoke(ctx context.Context, h Handler, t *progress.Tracker, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Internal(fmt.Sprintf("job panicked: %v", r), nil)
		}
	}()
	return h(ctx, t, payload)
}

func (w *Worker) complete(t *progress.Tracker, job model.Job, elapsed time.Duration) {
	if w.metrics != nil && elapsed > 0 {
		w.metrics.JobFinished(string(job.Kind), string(job.Status), elapsed)
	}
	w.bus.Publish(events.New(events.JobCompleted, t.ID(), job))
}

// Submit enqueues a job and asks a worker to run it. The returned id can be
// passed to Await. When no worker receives the request the job is failed
// and ErrNoWorker returned.
func Submit(ctx context.Context, bus events.Publisher, store progress.Store, kind model.JobKind, deliverable, archive string, payload any) (string, error) {
	t, err := progress.Enqueue(ctx, store, kind, deliverable, archive, progress.WithPublisher(bus))
	if err != nil {
		return "", err
	}
	// Subscribers of the job itself are pollers, not workers.
	workers := bus.Publish(events.New(events.JobRequested, events.GlobalJobID, Request{Job: t.Snapshot(), Payload: payload}))
	if workers == 0 {
		t.Finish(ctx, errs.Internal(ErrNoWorker.Error(), nil))
		return t.ID(), ErrNoWorker
	}
	return t.ID(), nil
}

// pollInterval is how often Await re-reads the store, since a full
// subscriber buffer can drop the completion event.
var pollInterval = time.Second

// Await blocks until job id reaches a terminal state and returns its final
// record.
func Await(ctx context.Context, bus events.Publisher, store progress.Store, id string) (*model.Job, error) {
	ch := bus.Subscribe(id)
	defer bus.Unsubscribe(id, ch)

	job, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			job, err := store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if job.Status.Terminal() {
				return job, nil
			}
		case e, ok := <-ch:
			if !ok {
				return store.Get(ctx, id)
			}
			if e.Type != events.JobCompleted {
				continue
			}
			if snap, ok := e.Data.(model.Job); ok {
				return &snap, nil
			}
			return store.Get(ctx, id)
		}
	}
}
