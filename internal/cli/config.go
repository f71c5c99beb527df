package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ALT-F4-LLC/crate/internal/config"
	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/output"
	"github.com/ALT-F4-LLC/crate/internal/render"
)

type configInfo struct {
	Dir           string `json:"dir"`
	ConfigFile    string `json:"config_file,omitempty"`
	Dialect       string `json:"dialect"`
	DBPath        string `json:"db_path,omitempty"`
	DBSizeBytes   int64  `json:"db_size_bytes"`
	SchemaVersion int    `json:"schema_version"`
	JobsPath      string `json:"jobs_path"`
	BlobDriver    string `json:"blob_driver"`
	BlobLocation  string `json:"blob_location"`
	PageSize      int    `json:"page_size"`
	MaxJobs       int    `json:"max_concurrent_jobs"`
	Mail          bool   `json:"mail_configured"`
	CratePathEnv  string `json:"crate_path_env"`
	CratePathSet  bool   `json:"crate_path_set"`
}

var configCmd = &cobra.Command{
	Use:         "config",
	Short:       "Display crate configuration",
	Annotations: map[string]string{"skipDB": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		w := getWriter(cmd)
		cfg := getCfg(cmd)

		info := newConfigInfo(cfg)

		exists, err := cfg.Exists()
		if err != nil {
			return cmdErr(fmt.Errorf("checking database: %w", err), output.ErrGeneral)
		}
		if !exists {
			w.Warn("No crate database found. Run 'crate init' to create one.")
			w.Success(info, formatConfigHuman(info, true))
			return nil
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

		info.SchemaVersion, err = db.SchemaVersion(cmd.Context(), conn)
		if err != nil {
			return cmdErr(fmt.Errorf("reading schema version: %w", err), output.ErrGeneral)
		}
		if info.DBPath != "" {
			stat, err := os.Stat(info.DBPath)
			if err != nil {
				return cmdErr(fmt.Errorf("reading database file: %w", err), output.ErrGeneral)
			}
			info.DBSizeBytes = stat.Size()
		}

		w.Success(info, formatConfigHuman(info, false))
		return nil
	},
}

func newConfigInfo(cfg *config.Config) configInfo {
	info := configInfo{
		Dir:          cfg.Dir,
		ConfigFile:   cfg.ConfigFile,
		Dialect:      cfg.Dialect,
		JobsPath:     cfg.JobsDSN,
		BlobDriver:   cfg.Blob.Driver,
		BlobLocation: cfg.Blob.Root,
		PageSize:     cfg.PageSize,
		MaxJobs:      cfg.MaxConcurrentJobs,
		Mail:         cfg.Mail.Configured,
		CratePathEnv: os.Getenv("CRATE_PATH"),
		CratePathSet: cfg.EnvVarSet,
	}
	if cfg.Dialect == db.SQLite.Name {
		info.DBPath = cfg.DSN
	}
	if cfg.Blob.Driver == "s3" {
		info.BlobLocation = "s3://" + strings.TrimSuffix(cfg.Blob.S3.Bucket+"/"+cfg.Blob.S3.Prefix, "/")
	}
	return info
}

func formatEnvValue(val string) string {
	if val == "" {
		return "(not set)"
	}
	return val
}

// configLines returns the label/value pairs shown by crate config.
func configLines(info configInfo, notFound bool) [][2]string {
	database := info.DBPath
	if database == "" {
		database = info.Dialect
	}
	if notFound {
		database += " (not found)"
	}

	lines := [][2]string{
		{"Data directory", info.Dir},
		{"Config file", formatEnvValue(info.ConfigFile)},
		{"Database", database},
	}
	if !notFound {
		if info.DBPath != "" {
			lines = append(lines, [2]string{"Database size", humanize.IBytes(uint64(info.DBSizeBytes))})
		}
		lines = append(lines, [2]string{"Schema version", fmt.Sprintf("%d", info.SchemaVersion)})
	}
	return append(lines,
		[2]string{"Jobs database", info.JobsPath},
		[2]string{"File store", fmt.Sprintf("%s %s", info.BlobDriver, info.BlobLocation)},
		[2]string{"Page size", fmt.Sprintf("%d", info.PageSize)},
		[2]string{"Max jobs", fmt.Sprintf("%d", info.MaxJobs)},
		[2]string{"Mail", fmt.Sprintf("%t", info.Mail)},
		[2]string{"CRATE_PATH", formatEnvValue(info.CratePathEnv)},
	)
}

func formatConfigHuman(info configInfo, notFound bool) string {
	if !render.ColorsEnabled() {
		return formatConfigPlain(info, notFound)
	}

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	keyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(16)
	valStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))

	var b strings.Builder
	b.WriteString(headerStyle.Render("Crate Configuration") + "\n\n")
	for i, l := range configLines(info, notFound) {
		val := valStyle.Render(l[1])
		if l[0] == "Database" {
			color := lipgloss.Color("10")
			if notFound {
				color = lipgloss.Color("9")
			}
			val = lipgloss.NewStyle().Foreground(color).Render("●") + " " + val
		}
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "  %s %s", keyStyle.Render(l[0]+":"), val)
	}
	return b.String()
}

func formatConfigPlain(info configInfo, notFound bool) string {
	lines := configLines(info, notFound)
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, fmt.Sprintf("%-16s %s", l[0]+":", l[1]))
	}
	return strings.Join(out, "\n")
}

func init() {
	rootCmd.AddCommand(configCmd)
}
