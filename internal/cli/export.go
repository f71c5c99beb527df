package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ALT-F4-LLC/crate/internal/export"
	"github.com/ALT-F4-LLC/crate/internal/model"
	"github.com/ALT-F4-LLC/crate/internal/output"
	"github.com/ALT-F4-LLC/crate/internal/progress"
)

var exportCmd = &cobra.Command{
	Use:   "export <identifier>",
	Short: "Export a project, program or a project's dependencies to an archive",
	Long: `Export writes a zip archive of one deliverable.

With --kind dependencies the identifier names the project whose raised
dependencies are exported. --template exports a project as a reusable
template without cards, history or personal data.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := getRuntime(cmd)
		identifier := args[0]

		kindFlag, _ := cmd.Flags().GetString("kind")
		template, _ := cmd.Flags().GetBool("template")
		out, _ := cmd.Flags().GetString("output")

		kind := model.Kind(kindFlag)
		if err := model.ValidateKind(kind); err != nil {
			return cmdErr(err, output.ErrValidation)
		}
		mode := model.ModeFull
		if template {
			if kind != model.KindProject {
				return cmdErr(fmt.Errorf("--template can only be used with --kind project"), output.ErrValidation)
			}
			mode = model.ModeTemplate
		}
		if out == "" {
			out = defaultArchiveName(identifier, kind, mode)
		}
		out, err := filepath.Abs(out)
		if err != nil {
			return cmdErr(fmt.Errorf("resolving output path: %w", err), output.ErrValidation)
		}

		exporter := export.New(rt.data, rt.blobs,
			export.WithPageSize(rt.cfg.PageSize),
			export.WithWorkDir(rt.cfg.WorkDir),
			export.WithMail(rt.cfg.Mail.Configured),
			export.WithLogger(rt.log),
			export.WithMetrics(rt.metrics),
		)
		req := export.Request{Kind: kind, Identifier: identifier, Mode: mode, Output: out}

		return runJob(cmd, model.JobExport, identifier, out, func(ctx context.Context, t *progress.Tracker) error {
			_, err := exporter.Export(ctx, t, req)
			return err
		})
	},
}

func defaultArchiveName(identifier string, kind model.Kind, mode model.Mode) string {
	switch {
	case mode == model.ModeTemplate:
		return identifier + "_template.zip"
	case kind == model.KindDependencies:
		return identifier + "_dependencies.zip"
	default:
		return identifier + ".zip"
	}
}

func init() {
	exportCmd.Flags().String("kind", string(model.KindProject), "What to export: project, program or dependencies")
	exportCmd.Flags().Bool("template", false, "Export the project as a template")
	exportCmd.Flags().StringP("output", "o", "", "Archive path (default <identifier>.zip)")
	rootCmd.AddCommand(exportCmd)
}
