package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/ALT-F4-LLC/crate/internal/blob"
	"github.com/ALT-F4-LLC/crate/internal/config"
	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/events"
	"github.com/ALT-F4-LLC/crate/internal/metrics"
	"github.com/ALT-F4-LLC/crate/internal/output"
	"github.com/ALT-F4-LLC/crate/internal/progress"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

type contextKey string

const (
	cfgKey     contextKey = "cfg"
	runtimeKey contextKey = "runtime"
)

// CmdError wraps an error with a machine-readable error code for structured output.
type CmdError struct {
	Err  error
	Code output.ErrorCode
}

func (e *CmdError) Error() string { return e.Err.Error() }

func (e *CmdError) Unwrap() error { return e.Err }

func cmdErr(err error, code output.ErrorCode) *CmdError {
	return &CmdError{Err: err, Code: code}
}

// engineErr classifies an error returned by the export or import engine.
func engineErr(err error) *CmdError {
	return cmdErr(err, output.CodeFor(err))
}

// runtime is everything a data command needs, opened once per invocation.
type runtime struct {
	cfg     *config.Config
	data    *db.DB
	jobsDB  *db.DB
	store   progress.Store
	blobs   blob.Store
	bus     *events.MemoryPublisher
	metrics *metrics.Metrics
	log     *slog.Logger
}

func (r *runtime) Close() error {
	r.bus.Close()
	return errors.Join(r.data.Close(), r.jobsDB.Close())
}

var rootCmd = &cobra.Command{
	Use:     "crate",
	Short:   "Export and import projects, programs and dependencies as archives",
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Resolve()
		if err != nil {
			return cmdErr(err, output.ErrValidation)
		}

		ctx := context.WithValue(cmd.Context(), cfgKey, cfg)

		if _, ok := cmd.Annotations["skipDB"]; ok {
			cmd.SetContext(ctx)
			return nil
		}

		exists, err := cfg.Exists()
		if err != nil {
			return cmdErr(fmt.Errorf("checking database: %w", err), output.ErrGeneral)
		}
		if !exists {
			return cmdErr(
				fmt.Errorf("no crate database found, run 'crate init' to create one"),
				output.ErrNotFound,
			)
		}

		rt, err := openRuntime(ctx, cmd, cfg)
		if err != nil {
			return err
		}

		cmd.SetContext(context.WithValue(ctx, runtimeKey, rt))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if rt := getRuntime(cmd); rt != nil {
			return rt.Close()
		}
		return nil
	},
}

func openRuntime(ctx context.Context, cmd *cobra.Command, cfg *config.Config) (*runtime, error) {
	dialect, err := db.DialectFor(cfg.Dialect)
	if err != nil {
		return nil, cmdErr(err, output.ErrValidation)
	}
	data, err := db.Open(dialect, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(ctx, data); err != nil {
		data.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	jobsDB, err := db.OpenSQLite(cfg.JobsDSN)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("failed to open jobs database: %w", err)
	}
	store, err := progress.NewSQLStore(ctx, jobsDB)
	if err != nil {
		data.Close()
		jobsDB.Close()
		return nil, err
	}

	blobs, err := blob.Open(ctx, cfg.BlobOptions())
	if err != nil {
		data.Close()
		jobsDB.Close()
		return nil, cmdErr(fmt.Errorf("opening blob store: %w", err), output.ErrValidation)
	}

	return &runtime{
		cfg:     cfg,
		data:    data,
		jobsDB:  jobsDB,
		store:   store,
		blobs:   blobs,
		bus:     events.NewMemoryPublisher(),
		metrics: metrics.New(),
		log:     newLogger(cmd),
	}, nil
}

// newLogger logs engine diagnostics to stderr. Only warnings are shown unless
// --verbose is set, and JSON mode logs JSON lines.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonMode, _ := cmd.Flags().GetBool("json"); jsonMode {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log engine progress to stderr")
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
}

func getWriter(cmd *cobra.Command) *output.Writer {
	jsonMode, _ := cmd.Flags().GetBool("json")
	quietMode, _ := cmd.Flags().GetBool("quiet")
	return output.New(jsonMode, quietMode)
}

func getCfg(cmd *cobra.Command) *config.Config {
	cfg, _ := cmd.Context().Value(cfgKey).(*config.Config)
	return cfg
}

func getRuntime(cmd *cobra.Command) *runtime {
	rt, _ := cmd.Context().Value(runtimeKey).(*runtime)
	return rt
}

// Execute runs the root command and returns an exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		jsonMode, _ := rootCmd.PersistentFlags().GetBool("json")
		quietMode, _ := rootCmd.PersistentFlags().GetBool("quiet")
		w := output.New(jsonMode, quietMode)

		var ce *CmdError
		if errors.As(err, &ce) {
			return w.Error(ce.Err, ce.Code)
		}
		return w.Error(err, output.ErrGeneral)
	}
	return 0
}
