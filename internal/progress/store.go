package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("job not found")

// Store persists progress records.
type Store interface {
	Save(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context) ([]*model.Job, error)
	// Purge deletes terminal jobs last updated before cutoff and returns how many went.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// SQLStore keeps jobs in their own database so progress can be written while
// an import holds the data database.
type SQLStore struct {
	db *db.DB
}

const createJobs = `CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	deliverable TEXT,
	archive TEXT,
	total INTEGER NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL DEFAULT 0,
	messages TEXT NOT NULL DEFAULT '[]',
	errors TEXT NOT NULL DEFAULT '[]',
	warnings TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// NewSQLStore creates the jobs table if needed.
func NewSQLStore(ctx context.Context, d *db.DB) (*SQLStore, error) {
	if _, err := d.ExecContext(ctx, createJobs); err != nil {
		return nil, fmt.Errorf("creating jobs table: %w", err)
	}
	return &SQLStore{db: d}, nil
}

func encodeList(l []string) (string, error) {
	if l == nil {
		l = []string{}
	}
	b, err := json.Marshal(l)
	return string(b), err
}

// Save inserts or replaces the job.
func (s *SQLStore) Save(ctx context.Context, job *model.Job) error {
	lists := make([]string, 3)
	for i, l := range [][]string{job.Messages, job.Errors, job.Warnings} {
		enc, err := encodeList(l)
		if err != nil {
			return fmt.Errorf("encoding job %s: %w", job.ID, err)
		}
		lists[i] = enc
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, kind, status, deliverable, archive, total, completed, messages, errors, warnings, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	status = excluded.status, deliverable = excluded.deliverable, archive = excluded.archive,
	total = excluded.total, completed = excluded.completed, messages = excluded.messages,
	errors = excluded.errors, warnings = excluded.warnings, updated_at = excluded.updated_at`,
		job.ID, string(job.Kind), string(job.Status), job.Deliverable, job.Archive, job.Total, job.Completed,
		lists[0], lists[1], lists[2], job.CreatedAt.UTC().Format(timeLayout), job.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

const jobColumns = `id, kind, status, deliverable, archive, total, completed, messages, errors, warnings, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*model.Job, error) {
	var (
		j                        model.Job
		kind, status             string
		deliverable, archive     sql.NullString
		messages, errs, warnings string
		createdAt, updatedAt     string
	)
	if err := s.Scan(&j.ID, &kind, &status, &deliverable, &archive, &j.Total, &j.Completed,
		&messages, &errs, &warnings, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	j.Kind = model.JobKind(kind)
	j.Status = model.JobStatus(status)
	j.Deliverable = deliverable.String
	j.Archive = archive.String
	for _, l := range []struct {
		raw string
		dst *[]string
	}{{messages, &j.Messages}, {errs, &j.Errors}, {warnings, &j.Warnings}} {
		if err := json.Unmarshal([]byte(l.raw), l.dst); err != nil {
			return nil, fmt.Errorf("decoding job %s: %w", j.ID, err)
		}
	}
	j.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	j.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &j, nil
}

// Get returns the job with the given id.
func (s *SQLStore) Get(ctx context.Context, id string) (*model.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// List returns every job, newest first.
func (s *SQLStore) List(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Purge deletes terminal jobs last updated before cutoff.
func (s *SQLStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`,
		string(model.JobCompletedSuccessful), string(model.JobCompletedFailed), cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("purging jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
