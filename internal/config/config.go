package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ALT-F4-LLC/crate/internal/blob"
)

const (
	dbFileName     = "crate.db"
	jobsFileName   = "jobs.db"
	configFileName = "config"
	envPrefix      = "CRATE"
)

// Settings are the values read from config.yaml and CRATE_* variables.
type Settings struct {
	// Dialect selects the data database backend.
	Dialect string `mapstructure:"dialect" validate:"oneof=sqlite postgres"`
	// DSN is the data database. SQLite defaults to crate.db in the data
	// directory.
	DSN string `mapstructure:"dsn" validate:"required_if=Dialect postgres"`
	// JobsDSN is the SQLite file holding job records, jobs.db by default.
	JobsDSN           string `mapstructure:"jobs_dsn"`
	PageSize          int    `mapstructure:"page_size" validate:"min=1,max=100000"`
	MaxConcurrentJobs int    `mapstructure:"max_concurrent_jobs" validate:"min=1,max=64"`
	MetricsTextfile   string `mapstructure:"metrics_textfile"`
	WorkDir           string `mapstructure:"work_dir"`
	Blob              Blob   `mapstructure:"blob"`
	Mail              Mail   `mapstructure:"mail"`
}

// Blob configures attachment and icon storage.
type Blob struct {
	Driver string `mapstructure:"driver" validate:"oneof=fs s3 memory"`
	Root   string `mapstructure:"root"`
	S3     S3     `mapstructure:"s3"`
}

// S3 configures the s3 blob driver.
type S3 struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint" validate:"omitempty,url"`
	Prefix    string `mapstructure:"prefix"`
	PathStyle bool   `mapstructure:"path_style"`
}

// Mail reports whether outbound mail is configured.
type Mail struct {
	Configured bool `mapstructure:"configured"`
}

// Config holds resolved configuration for the crate directory and its
// databases.
type Config struct {
	Dir        string // resolved .crate directory path
	DBPath     string // full path to crate.db
	JobsPath   string // full path to jobs.db
	ConfigFile string // config file used, empty when none was found
	EnvVarSet  bool   // whether CRATE_PATH was used
	Settings
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		b := sl.Current().Interface().(Blob)
		if b.Driver == string(blob.DriverS3) && b.S3.Bucket == "" {
			sl.ReportError(b.S3.Bucket, "S3.Bucket", "Bucket", "required_if", "s3")
		}
	}, Blob{})
	return v
}

// Resolve returns the current configuration by checking CRATE_PATH first,
// then falling back to $PWD/.crate. Settings come from config.yaml in that
// directory, overridden by CRATE_* environment variables.
func Resolve() (*Config, error) {
	var dir string
	var envVarSet bool

	if envPath := os.Getenv("CRATE_PATH"); envPath != "" {
		dir = envPath
		envVarSet = true
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(cwd, ".crate")
	}

	cfg := &Config{
		Dir:       dir,
		DBPath:    filepath.Join(dir, dbFileName),
		JobsPath:  filepath.Join(dir, jobsFileName),
		EnvVarSet: envVarSet,
	}
	v := newViper(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		cfg.ConfigFile = v.ConfigFileUsed()
	}
	if err := v.Unmarshal(&cfg.Settings); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		cfg.DSN = cfg.DBPath
	}
	if cfg.JobsDSN == "" {
		cfg.JobsDSN = cfg.JobsPath
	}
	if cfg.Blob.Root == "" {
		cfg.Blob.Root = filepath.Join(dir, "files")
	}
	return cfg, nil
}

func newViper(dir string) *viper.Viper {
	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName(configFileName)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	// nested keys read CRATE_BLOB_DRIVER and friends
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("dialect", "sqlite")
	v.SetDefault("dsn", "")
	v.SetDefault("jobs_dsn", "")
	v.SetDefault("page_size", 1000)
	v.SetDefault("max_concurrent_jobs", 2)
	v.SetDefault("metrics_textfile", "")
	v.SetDefault("work_dir", "")
	v.SetDefault("blob.driver", string(blob.DriverFilesystem))
	v.SetDefault("blob.root", "")
	v.SetDefault("blob.s3.bucket", "")
	v.SetDefault("blob.s3.region", "")
	v.SetDefault("blob.s3.endpoint", "")
	v.SetDefault("blob.s3.prefix", "")
	v.SetDefault("blob.s3.path_style", false)
	v.SetDefault("mail.configured", false)
	return v
}

// Validate checks the settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c.Settings); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// BlobOptions returns the blob store options the settings describe.
func (c *Config) BlobOptions() blob.Options {
	return blob.Options{
		Driver: blob.Driver(c.Blob.Driver),
		Root:   c.Blob.Root,
		S3: blob.S3Config{
			Bucket:    c.Blob.S3.Bucket,
			Region:    c.Blob.S3.Region,
			Endpoint:  c.Blob.S3.Endpoint,
			Prefix:    c.Blob.S3.Prefix,
			PathStyle: c.Blob.S3.PathStyle,
		},
	}
}

// Exists checks if the crate directory and, for SQLite, the data database
// both exist. It returns an error for non-existence failures (e.g.
// permission errors).
func (c *Config) Exists() (bool, error) {
	paths := []string{c.Dir}
	if c.Dialect == "sqlite" {
		paths = append(paths, c.DSN)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}
