package model

import (
	"fmt"
	"time"
)

// JobKind says whether a job exports or imports.
type JobKind string

const (
	JobExport JobKind = "export"
	JobImport JobKind = "import"
)

// JobStatus is the state of an export or import job.
type JobStatus string

const (
	JobQueued              JobStatus = "queued"
	JobProcessing          JobStatus = "processing"
	JobCompletedSuccessful JobStatus = "completed_successfully"
	JobCompletedFailed     JobStatus = "completed_failed"
)

var validJobStatuses = []JobStatus{
	JobQueued,
	JobProcessing,
	JobCompletedSuccessful,
	JobCompletedFailed,
}

// ValidateJobStatus returns an error if s is not a recognized job status.
func ValidateJobStatus(s JobStatus) error {
	for _, v := range validJobStatuses {
		if s == v {
			return nil
		}
	}
	return fmt.Errorf("invalid job status %q: must be one of %v", s, validJobStatuses)
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompletedSuccessful || s == JobCompletedFailed
}

// CanTransition reports whether moving from s to next is allowed.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobProcessing || next == JobCompletedFailed
	case JobProcessing:
		return next.Terminal()
	default:
		return false
	}
}

// Label returns the human-readable status.
func (s JobStatus) Label() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobProcessing:
		return "processing"
	case JobCompletedSuccessful:
		return "completed successfully"
	case JobCompletedFailed:
		return "completed failed"
	default:
		return string(s)
	}
}

// Icon returns a Unicode icon for the status.
func (s JobStatus) Icon() string {
	switch s {
	case JobQueued:
		return "\u25CB" // ○
	case JobProcessing:
		return "\u25D0" // ◐
	case JobCompletedSuccessful:
		return "\u2714" // ✔
	case JobCompletedFailed:
		return "\u2718" // ✘
	default:
		return "?"
	}
}

// Color returns a color name string suitable for terminal rendering.
func (s JobStatus) Color() string {
	switch s {
	case JobQueued:
		return "gray"
	case JobProcessing:
		return "yellow"
	case JobCompletedSuccessful:
		return "green"
	case JobCompletedFailed:
		return "red"
	default:
		return "white"
	}
}

// Job is a snapshot of a progress record.
type Job struct {
	ID          string    `json:"id"`
	Kind        JobKind   `json:"kind"`
	Status      JobStatus `json:"status"`
	Deliverable string    `json:"deliverable,omitempty"`
	Archive     string    `json:"archive,omitempty"`
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	Messages    []string  `json:"messages"`
	Errors      []string  `json:"errors"`
	Warnings    []string  `json:"warnings"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Percent returns completion as an integer percentage in [0, 100].
func (j *Job) Percent() int {
	if j.Total <= 0 {
		if j.Status.Terminal() {
			return 100
		}
		return 0
	}
	p := j.Completed * 100 / j.Total
	if p > 100 {
		p = 100
	}
	return p
}
