package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/ALT-F4-LLC/crate/internal/filter"
	"github.com/ALT-F4-LLC/crate/internal/model"
	"github.com/ALT-F4-LLC/crate/internal/output"
	"github.com/ALT-F4-LLC/crate/internal/progress"
	"github.com/ALT-F4-LLC/crate/internal/render"
)

// errAmbiguousJob is returned when a short id matches more than one job.
var errAmbiguousJob = errors.New("ambiguous job id")

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect export and import jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := getWriter(cmd)
		rt := getRuntime(cmd)

		statuses, _ := cmd.Flags().GetStringSlice("status")
		kinds, _ := cmd.Flags().GetStringSlice("kind")
		board, _ := cmd.Flags().GetBool("board")

		for _, s := range statuses {
			if err := model.ValidateJobStatus(model.JobStatus(s)); err != nil {
				return cmdErr(err, output.ErrValidation)
			}
		}
		for _, k := range kinds {
			if k != string(model.JobExport) && k != string(model.JobImport) {
				return cmdErr(fmt.Errorf("invalid job kind %q: must be export or import", k), output.ErrValidation)
			}
		}

		all, err := rt.store.List(cmd.Context())
		if err != nil {
			return cmdErr(err, output.ErrGeneral)
		}
		jobs := filter.Jobs(all, filter.JobOptions{Statuses: statuses, Kinds: kinds})

		var message string
		if !w.JSONMode {
			if board {
				message = render.RenderBoard(jobs)
			} else {
				message = render.RenderJobTable(jobs)
			}
		}
		w.Success(jobs, message)
		return nil
	},
}

type jobReport struct {
	*model.Job
	Report string `json:"report"`
}

var jobShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one job",
	Long:  "Show one job. The id may be shortened to any unique prefix.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := getWriter(cmd)
		rt := getRuntime(cmd)

		job, err := findJob(cmd.Context(), rt.store, args[0])
		switch {
		case errors.Is(err, progress.ErrNotFound):
			return cmdErr(fmt.Errorf("job %s not found", args[0]), output.ErrNotFound)
		case errors.Is(err, errAmbiguousJob):
			return cmdErr(err, output.ErrValidation)
		case err != nil:
			return cmdErr(err, output.ErrGeneral)
		}

		report, _ := cmd.Flags().GetBool("report")
		if !report {
			w.Success(job, render.RenderJob(job))
			return nil
		}

		md := render.JobReport(job)
		rendered, err := render.RenderMarkdown(md)
		if err != nil {
			w.Warn("rendering report: %v", err)
		}
		w.Success(jobReport{Job: job, Report: md}, rendered)
		return nil
	},
}

// findJob looks a job up by id, then by unique id prefix.
func findJob(ctx context.Context, store progress.Store, id string) (*model.Job, error) {
	job, err := store.Get(ctx, id)
	if !errors.Is(err, progress.ErrNotFound) {
		return job, err
	}

	all, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	var matches []*model.Job
	for _, j := range all {
		if strings.HasPrefix(j.ID, id) {
			matches = append(matches, j)
		}
	}
	switch len(matches) {
	case 0:
		return nil, progress.ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %s matches %d jobs", errAmbiguousJob, id, len(matches))
	}
}

type purgeResult struct {
	Purged int       `json:"purged"`
	Before time.Time `json:"before"`
}

var jobPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished jobs older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := getWriter(cmd)
		rt := getRuntime(cmd)

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		yes, _ := cmd.Flags().GetBool("yes")
		if olderThan < 0 {
			return cmdErr(fmt.Errorf("--older-than must not be negative"), output.ErrValidation)
		}
		cutoff := time.Now().Add(-olderThan)

		if !w.JSONMode && !yes {
			var confirmed bool
			form := huh.NewForm(
				huh.NewGroup(
					huh.NewConfirm().
						Title(fmt.Sprintf("Delete every finished job last updated before %s?", cutoff.Format(time.DateTime))).
						Affirmative("Yes, purge").
						Negative("Cancel").
						Value(&confirmed),
				),
			)
			if err := form.Run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					w.Info("Cancelled.")
					return nil
				}
				return cmdErr(fmt.Errorf("interactive form failed: %w", err), output.ErrGeneral)
			}
			if !confirmed {
				w.Info("Cancelled.")
				return nil
			}
		}

		n, err := rt.store.Purge(cmd.Context(), cutoff)
		if err != nil {
			return cmdErr(err, output.ErrGeneral)
		}
		w.Success(purgeResult{Purged: n, Before: cutoff.UTC()}, fmt.Sprintf("Purged %d job%s", n, plural(n)))
		return nil
	},
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func init() {
	jobListCmd.Flags().StringSlice("status", nil, "Only jobs with these statuses")
	jobListCmd.Flags().StringSlice("kind", nil, "Only export or import jobs")
	jobListCmd.Flags().Bool("board", false, "Show jobs as a board grouped by status")
	jobShowCmd.Flags().Bool("report", false, "Render a Markdown report of the job")
	jobPurgeCmd.Flags().Duration("older-than", 30*24*time.Hour, "Only purge jobs last updated longer ago than this")
	jobPurgeCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	jobCmd.AddCommand(jobListCmd, jobShowCmd, jobPurgeCmd)
	rootCmd.AddCommand(jobCmd)
}
