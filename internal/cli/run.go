package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ALT-F4-LLC/crate/internal/jobs"
	"github.com/ALT-F4-LLC/crate/internal/model"
	"github.com/ALT-F4-LLC/crate/internal/output"
	"github.com/ALT-F4-LLC/crate/internal/progress"
	"github.com/ALT-F4-LLC/crate/internal/render"
)

// task is the body of an export or import job.
type task func(ctx context.Context, t *progress.Tracker) error

// runJob submits one job to a worker over the bus, waits for its completion
// event and reports the final record. A failed job is returned as an error
// classified by what the engine returned.
func runJob(cmd *cobra.Command, kind model.JobKind, deliverable, archive string, body task) error {
	w := getWriter(cmd)
	rt := getRuntime(cmd)

	ctx, cancel := context.WithCancel(cmd.Context())
	worker := jobs.NewWorker(rt.bus, rt.store,
		jobs.WithConcurrency(rt.cfg.MaxConcurrentJobs),
		jobs.WithLogger(rt.log),
		jobs.WithMetrics(rt.metrics),
	)
	failure := make(chan error, 1)
	worker.Handle(kind, func(ctx context.Context, t *progress.Tracker, _ any) error {
		err := body(ctx, t)
		if err != nil {
			failure <- err
		}
		return err
	})
	worker.Start(ctx)
	defer func() {
		cancel()
		worker.Wait()
	}()

	id, err := jobs.Submit(ctx, rt.bus, rt.store, kind, deliverable, archive, nil)
	if err != nil {
		return cmdErr(fmt.Errorf("submitting %s job: %w", kind, err), output.ErrGeneral)
	}
	w.Info("Started %s job %s", kind, render.ShortID(id))

	job, err := jobs.Await(ctx, rt.bus, rt.store, id)
	if err != nil {
		return cmdErr(fmt.Errorf("waiting for job %s: %w", id, err), output.ErrGeneral)
	}
	writeMetrics(cmd)

	if job.Status == model.JobCompletedSuccessful {
		w.Warnings(job.Warnings)
		w.Success(job, render.RenderJob(job))
		return nil
	}

	if !w.JSONMode {
		fmt.Fprintln(w.Stdout, render.RenderJob(job))
	}
	select {
	case err := <-failure:
		return engineErr(fmt.Errorf("%s job %s failed: %w", kind, job.ID, err))
	default:
		return cmdErr(jobFailure(job), output.ErrJobFailed)
	}
}

func jobFailure(job *model.Job) error {
	if len(job.Errors) == 0 {
		return fmt.Errorf("%s job %s failed", job.Kind, job.ID)
	}
	return fmt.Errorf("%s job %s failed: %s", job.Kind, job.ID, job.Errors[0])
}

// writeMetrics dumps the run's metrics when a textfile is configured.
// Failing to write them never fails the command.
func writeMetrics(cmd *cobra.Command) {
	rt := getRuntime(cmd)
	if rt.cfg.MetricsTextfile == "" {
		return
	}
	if err := rt.metrics.WriteTextfile(rt.cfg.MetricsTextfile); err != nil {
		rt.log.Warn("writing metrics textfile", "path", rt.cfg.MetricsTextfile, "error", err)
	}
}
