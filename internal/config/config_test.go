package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ALT-F4-LLC/crate/internal/blob"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

func TestResolveDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CRATE_PATH", dir)

	cfg, err := Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !cfg.EnvVarSet || cfg.Dir != dir {
		t.Errorf("Dir = %q (env %v), want %q from CRATE_PATH", cfg.Dir, cfg.EnvVarSet, dir)
	}
	if cfg.ConfigFile != "" {
		t.Errorf("ConfigFile = %q, want none", cfg.ConfigFile)
	}
	if cfg.Dialect != "sqlite" || cfg.DSN != filepath.Join(dir, "crate.db") {
		t.Errorf("database = %s %s, want sqlite crate.db", cfg.Dialect, cfg.DSN)
	}
	if cfg.JobsDSN != filepath.Join(dir, "jobs.db") {
		t.Errorf("JobsDSN = %q", cfg.JobsDSN)
	}
	if cfg.PageSize != 1000 || cfg.MaxConcurrentJobs != 2 {
		t.Errorf("PageSize = %d, MaxConcurrentJobs = %d, want 1000 and 2", cfg.PageSize, cfg.MaxConcurrentJobs)
	}
	if cfg.Blob.Driver != "fs" || cfg.Blob.Root != filepath.Join(dir, "files") {
		t.Errorf("Blob = %+v, want fs under files", cfg.Blob)
	}
	if cfg.Mail.Configured {
		t.Error("mail should default to unconfigured")
	}
}

func TestResolveFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CRATE_PATH", dir)
	t.Setenv("CRATE_MAX_CONCURRENT_JOBS", "4")
	writeConfig(t, dir, `page_size: 50
jobs_dsn: /var/lib/crate/jobs.db
blob:
  driver: s3
  s3:
    bucket: crate-files
    region: eu-west-1
    path_style: true
mail:
  configured: true
`)

	cfg, err := Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.ConfigFile != filepath.Join(dir, "config.yaml") {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}
	if cfg.PageSize != 50 {
		t.Errorf("PageSize = %d, want 50", cfg.PageSize)
	}
	if cfg.MaxConcurrentJobs != 4 {
		t.Errorf("MaxConcurrentJobs = %d, want 4 from the environment", cfg.MaxConcurrentJobs)
	}
	if cfg.JobsDSN != "/var/lib/crate/jobs.db" {
		t.Errorf("JobsDSN = %q", cfg.JobsDSN)
	}
	if !cfg.Mail.Configured {
		t.Error("expected mail to be configured")
	}

	opts := cfg.BlobOptions()
	if opts.Driver != blob.DriverS3 || opts.S3.Bucket != "crate-files" || opts.S3.Region != "eu-west-1" || !opts.S3.PathStyle {
		t.Errorf("BlobOptions() = %+v", opts)
	}
}

func TestResolveRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"dialect", "dialect: mysql\n", "Dialect"},
		{"postgres needs dsn", "dialect: postgres\n", "DSN"},
		{"page size", "page_size: 0\n", "PageSize"},
		{"s3 needs bucket", "blob:\n  driver: s3\n", "Bucket"},
		{"endpoint", "blob:\n  driver: s3\n  s3:\n    bucket: b\n    endpoint: not a url\n", "Endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			t.Setenv("CRATE_PATH", dir)
			writeConfig(t, dir, tt.content)

			_, err := Resolve()
			if err == nil {
				t.Fatal("Resolve() succeeded, want an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to name %s", err, tt.want)
			}
		})
	}
}

func TestExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".crate")
	t.Setenv("CRATE_PATH", dir)

	cfg, err := Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if ok, err := cfg.Exists(); err != nil || ok {
		t.Fatalf("Exists() = %v, %v, want false before init", ok, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if ok, _ := cfg.Exists(); ok {
		t.Error("Exists() = true with no database file")
	}
	if err := os.WriteFile(cfg.DSN, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, err := cfg.Exists(); err != nil || !ok {
		t.Errorf("Exists() = %v, %v, want true", ok, err)
	}
}
