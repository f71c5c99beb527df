package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ALT-F4-LLC/crate/internal/blob"
	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/output"
	"github.com/ALT-F4-LLC/crate/internal/progress"
)

type initResult struct {
	Path          string `json:"path"`
	Dialect       string `json:"dialect"`
	DBPath        string `json:"db_path,omitempty"`
	JobsPath      string `json:"jobs_path"`
	SchemaVersion int    `json:"schema_version"`
	Created       bool   `json:"created"`
}

var initCmd = &cobra.Command{
	Use:         "init",
	Short:       "Initialize the crate databases",
	Annotations: map[string]string{"skipDB": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		w := getWriter(cmd)
		cfg := getCfg(cmd)
		ctx := cmd.Context()

		exists, err := cfg.Exists()
		if err != nil {
			return cmdErr(fmt.Errorf("checking database: %w", err), output.ErrGeneral)
		}
		if exists {
			w.Warn("Database already exists at %s", cfg.DSN)
		}

		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return cmdErr(fmt.Errorf("creating directory: %w", err), output.ErrGeneral)
		}
		if cfg.Blob.Driver == string(blob.DriverFilesystem) {
			if err := os.MkdirAll(cfg.Blob.Root, 0o755); err != nil {
				return cmdErr(fmt.Errorf("creating file store: %w", err), output.ErrGeneral)
			}
		}

		dialect, err := db.DialectFor(cfg.Dialect)
		if err != nil {
			return cmdErr(err, output.ErrValidation)
		}
		conn, err := db.Open(dialect, cfg.DSN)
		if err != nil {
			return cmdErr(fmt.Errorf("opening database: %w", err), output.ErrGeneral)
		}
		defer conn.Close()

		if err := db.Initialize(ctx, conn); err != nil {
			return cmdErr(fmt.Errorf("initializing schema: %w", err), output.ErrGeneral)
		}
		if err := db.Migrate(ctx, conn); err != nil {
			return cmdErr(fmt.Errorf("migrating schema: %w", err), output.ErrGeneral)
		}
		schemaVersion, err := db.SchemaVersion(ctx, conn)
		if err != nil {
			return cmdErr(fmt.Errorf("reading schema version: %w", err), output.ErrGeneral)
		}

		jobsConn, err := db.OpenSQLite(cfg.JobsDSN)
		if err != nil {
			return cmdErr(fmt.Errorf("opening jobs database: %w", err), output.ErrGeneral)
		}
		defer jobsConn.Close()
		if _, err := progress.NewSQLStore(ctx, jobsConn); err != nil {
			return cmdErr(err, output.ErrGeneral)
		}

		result := initResult{
			Path:          cfg.Dir,
			Dialect:       dialect.Name,
			JobsPath:      cfg.JobsDSN,
			SchemaVersion: schemaVersion,
			Created:       !exists,
		}
		if dialect == db.SQLite {
			result.DBPath = cfg.DSN
		}

		if exists {
			w.Success(result, "Database already initialized")
			return nil
		}
		w.Success(result, "Initialized crate database")
		w.Info("Initialized crate database at %s (schema version %d)", cfg.Dir, schemaVersion)
		w.Info("Consider adding .crate/ to your .gitignore")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
