// Package progress tracks the status of export and import jobs. A job's
// progress record is the only channel through which callers learn whether
// it succeeded.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/events"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

// Tracker owns one job's progress record. Every change is persisted to the
// store and announced on the bus. It is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	job   model.Job
	store Store
	bus   events.Publisher
	log   *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPublisher announces every change as a JobProgress event.
func WithPublisher(p events.Publisher) Option {
	return func(t *Tracker) { t.bus = p }
}

// WithLogger sets the logger persistence failures are reported to.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// Enqueue creates a queued job and persists it.
func Enqueue(ctx context.Context, store Store, kind model.JobKind, deliverable, archive string, opts ...Option) (*Tracker, error) {
	now := time.Now().UTC()
	t := &Tracker{
		job: model.Job{
			ID:          uuid.NewString(),
			Kind:        kind,
			Status:      model.JobQueued,
			Deliverable: deliverable,
			Archive:     archive,
			Messages:    []string{},
			Errors:      []string{},
			Warnings:    []string{},
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		store: store,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := store.Save(ctx, &t.job); err != nil {
		return nil, err
	}
	return t, nil
}

// Resume wraps an existing job record, for example one loaded by a worker.
func Resume(job *model.Job, store Store, opts ...Option) *Tracker {
	t := &Tracker{job: *job, store: store, log: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the job id.
func (t *Tracker) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.ID
}

// Snapshot returns a copy of the current record.
func (t *Tracker) Snapshot() model.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

func (t *Tracker) snapshot() model.Job {
	j := t.job
	j.Messages = append([]string(nil), t.job.Messages...)
	j.Errors = append([]string(nil), t.job.Errors...)
	j.Warnings = append([]string(nil), t.job.Warnings...)
	return j
}

// persist saves and announces the record. Callers hold mu.
func (t *Tracker) persist(ctx context.Context) error {
	t.job.UpdatedAt = time.Now().UTC()
	snap := t.snapshot()
	if err := t.store.Save(ctx, &snap); err != nil {
		t.log.Error("saving progress", "job", t.job.ID, "error", err)
		return err
	}
	if t.bus != nil {
		t.bus.Publish(events.New(events.JobProgress, t.job.ID, snap))
	}
	return nil
}

// Start moves the job to processing with the given unit total.
func (t *Tracker) Start(ctx context.Context, total int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.job.Status.CanTransition(model.JobProcessing) {
		return fmt.Errorf("job %s cannot start from %s", t.job.ID, t.job.Status)
	}
	t.job.Status = model.JobProcessing
	if total > 0 {
		t.job.Total = total
	}
	return t.persist(ctx)
}

// SetTotal replaces the unit total once it is known. Completed is clamped.
func (t *Tracker) SetTotal(ctx context.Context, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Status.Terminal() || total < 0 {
		return
	}
	t.job.Total = total
	if t.job.Completed > total {
		t.job.Completed = total
	}
	_ = t.persist(ctx)
}

// Step records n more completed units and, if msg is not empty, a message.
// Completed never decreases and never passes the total.
func (t *Tracker) Step(ctx context.Context, n int, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Status.Terminal() {
		return
	}
	if n > 0 {
		t.job.Completed += n
		if t.job.Total > 0 && t.job.Completed > t.job.Total {
			t.job.Completed = t.job.Total
		}
	}
	if msg != "" {
		t.job.Messages = append(t.job.Messages, msg)
	}
	_ = t.persist(ctx)
}

// Message appends a progress message.
func (t *Tracker) Message(ctx context.Context, format string, args ...any) {
	t.Step(ctx, 0, fmt.Sprintf(format, args...))
}

// Warn appends a warning. Warnings never fail the job.
func (t *Tracker) Warn(ctx context.Context, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job.Warnings = append(t.job.Warnings, describe(err))
	_ = t.persist(ctx)
}

// Fail appends an error detail. The job will finish as failed.
func (t *Tracker) Fail(ctx context.Context, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job.Errors = append(t.job.Errors, describe(err))
	_ = t.persist(ctx)
}

// Finish moves the job to its terminal state: failed when err is not nil
// or any error detail was recorded, successful otherwise.
func (t *Tracker) Finish(ctx context.Context, err error) model.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Status.Terminal() {
		return t.snapshot()
	}
	if err != nil {
		t.job.Errors = append(t.job.Errors, describe(err))
	}
	if len(t.job.Errors) > 0 {
		t.job.Status = model.JobCompletedFailed
	} else {
		t.job.Status = model.JobCompletedSuccessful
		t.job.Completed = t.job.Total
	}
	_ = t.persist(ctx)
	return t.snapshot()
}

func describe(err error) string {
	if e, ok := errs.As(err); ok {
		return e.Error()
	}
	return err.Error()
}
