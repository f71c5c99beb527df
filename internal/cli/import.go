package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ALT-F4-LLC/crate/internal/importer"
	"github.com/ALT-F4-LLC/crate/internal/model"
	"github.com/ALT-F4-LLC/crate/internal/output"
	"github.com/ALT-F4-LLC/crate/internal/progress"
	"github.com/ALT-F4-LLC/crate/internal/render"
)

func newImporter(rt *runtime) *importer.Importer {
	return importer.New(rt.data, rt.blobs,
		importer.WithWorkDir(rt.cfg.WorkDir),
		importer.WithLogger(rt.log),
		importer.WithMetrics(rt.metrics),
	)
}

func archivePath(arg string) (string, error) {
	path, err := filepath.Abs(arg)
	if err != nil {
		return "", cmdErr(fmt.Errorf("resolving archive path: %w", err), output.ErrValidation)
	}
	return path, nil
}

var importCmd = &cobra.Command{
	Use:   "import <archive>",
	Short: "Import a project, program or dependency archive",
	Long: `Import restores an archive written by crate export.

The import runs in a single transaction. If the archive's name or
identifier is already taken, a numeric suffix is added.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := getRuntime(cmd)

		path, err := archivePath(args[0])
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		identifier, _ := cmd.Flags().GetString("identifier")
		as, _ := cmd.Flags().GetString("as")

		im := newImporter(rt)
		req := importer.Request{Archive: path, Name: name, Identifier: identifier, As: as}

		return runJob(cmd, model.JobImport, identifier, path, func(ctx context.Context, t *progress.Tracker) error {
			_, err := im.Import(ctx, t, req)
			return err
		})
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview <archive>",
	Short: "Show which dependencies of an archive an import would restore",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := getWriter(cmd)
		rt := getRuntime(cmd)

		path, err := archivePath(args[0])
		if err != nil {
			return err
		}
		p, err := newImporter(rt).Preview(cmd.Context(), path)
		if err != nil {
			return engineErr(err)
		}
		w.Success(p, render.RenderPreview(p))
		return nil
	},
}

func init() {
	importCmd.Flags().String("name", "", "Name for the imported deliverable")
	importCmd.Flags().String("identifier", "", "Identifier for the imported deliverable")
	importCmd.Flags().String("as", "", "Login of the importing user, made project admin")
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(previewCmd)
}
