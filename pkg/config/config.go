// Package config loads rapidflat settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	rferrors "github.com/wehubfusion/rapidflat/pkg/errors"
	"github.com/wehubfusion/rapidflat/pkg/export"
	"github.com/wehubfusion/rapidflat/pkg/rapidpro"
	"github.com/wehubfusion/rapidflat/pkg/sink"
)

// Config defines runtime settings.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Export    ExportConfig    `yaml:"export"`
	Sink      SinkConfig      `yaml:"sink"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type APIConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type ExportConfig struct {
	Partitions int           `yaml:"partitions"`
	BaseDate   time.Time     `yaml:"baseDate"`
	MaxRetries int           `yaml:"maxRetries"`
	RetryWait  time.Duration `yaml:"retryWait"`
	Workers    int           `yaml:"workers"`
}

// SinkConfig selects where datasets go. Only the block for Kind is read.
type SinkConfig struct {
	Kind      string `yaml:"kind"`
	OutputDir string `yaml:"outputDir"`

	Blob     BlobConfig     `yaml:"blob"`
	NATS     NATSConfig     `yaml:"nats"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type BlobConfig struct {
	ConnectionString string `yaml:"connectionString"`
	Container        string `yaml:"container"`
	Prefix           string `yaml:"prefix"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
}

type PostgresConfig struct {
	URL string `yaml:"url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	SentryDSN    string `yaml:"sentryDsn"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	MetricsAddr  string `yaml:"metricsAddr"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		API: APIConfig{URL: rapidpro.DefaultBaseURL},
		Export: ExportConfig{
			Partitions: 100,
			BaseDate:   export.BaseDate,
			MaxRetries: 10,
			RetryWait:  5 * time.Second,
			Workers:    1,
		},
		Sink: SinkConfig{
			Kind:      string(sink.KindCSV),
			OutputDir: "./out",
			Blob:      BlobConfig{Container: "rapidflat"},
			NATS:      NATSConfig{Stream: "RAPIDFLAT", Subject: "rapidflat"},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path, when given, over the defaults and then applies environment
// overrides. It does not validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath returns the config file location, or "" when there is none.
func DefaultPath() string {
	if path := os.Getenv("RAPIDFLAT_CONFIG"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, ".rapidflat", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func (c *Config) applyEnv() error {
	setString(&c.API.URL, "RAPIDFLAT_API_URL")
	setString(&c.API.Token, "RAPIDFLAT_API_TOKEN")
	setString(&c.Sink.Kind, "RAPIDFLAT_SINK")
	setString(&c.Sink.OutputDir, "RAPIDFLAT_OUTPUT_DIR")
	setString(&c.Sink.Blob.ConnectionString, "AZURE_STORAGE_CONNECTION_STRING")
	setString(&c.Sink.Blob.Container, "RAPIDFLAT_BLOB_CONTAINER")
	setString(&c.Sink.NATS.URL, "NATS_URL")
	setString(&c.Sink.Postgres.URL, "DATABASE_URL")
	setString(&c.Log.Level, "RAPIDFLAT_LOG_LEVEL")
	setString(&c.Log.Format, "RAPIDFLAT_LOG_FORMAT")
	setString(&c.Telemetry.SentryDSN, "SENTRY_DSN")
	setString(&c.Telemetry.OTLPEndpoint, "RAPIDFLAT_OTLP_ENDPOINT")
	setString(&c.Telemetry.MetricsAddr, "RAPIDFLAT_METRICS_ADDR")

	var errs []error
	for key, target := range map[string]*int{
		"RAPIDFLAT_PARTITIONS":  &c.Export.Partitions,
		"RAPIDFLAT_MAX_RETRIES": &c.Export.MaxRetries,
		"RAPIDFLAT_WORKERS":     &c.Export.Workers,
	} {
		if err := setInt(target, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func setString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setInt(target *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return rferrors.NewError("INVALID_ENV", fmt.Sprintf("%s=%q is not an integer", key, v), rferrors.ErrInvalidConfig)
	}
	*target = n
	return nil
}

// Validate checks the settings needed to talk to the API and open the sink.
func (c *Config) Validate() error {
	var problems []error
	invalid := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.API.Token == "" {
		invalid("api token is required (RAPIDFLAT_API_TOKEN)")
	}
	if c.Export.Partitions < 1 {
		invalid("partitions must be at least 1, got %d", c.Export.Partitions)
	}
	if c.Export.Workers < 1 {
		invalid("workers must be at least 1, got %d", c.Export.Workers)
	}
	if c.Export.MaxRetries < 1 {
		invalid("max retries must be at least 1, got %d", c.Export.MaxRetries)
	}

	kind, err := sink.ParseKind(c.Sink.Kind)
	if err != nil {
		problems = append(problems, err)
	}
	switch kind {
	case sink.KindCSV:
		if c.Sink.OutputDir == "" {
			invalid("csv sink needs an output directory")
		}
	case sink.KindBlob:
		if c.Sink.Blob.ConnectionString == "" {
			invalid("blob sink needs AZURE_STORAGE_CONNECTION_STRING")
		}
		if c.Sink.Blob.Container == "" {
			invalid("blob sink needs a container")
		}
	case sink.KindNATS:
		if c.Sink.NATS.URL == "" {
			invalid("nats sink needs NATS_URL")
		}
	case sink.KindPostgres:
		if c.Sink.Postgres.URL == "" {
			invalid("postgres sink needs DATABASE_URL")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return rferrors.NewError("INVALID_CONFIG", "invalid configuration", errors.Join(append([]error{rferrors.ErrInvalidConfig}, problems...)...))
}

// ExportOptions maps the export settings onto driver options.
func (c *Config) ExportOptions() export.Options {
	opts := export.DefaultOptions()
	opts.Partitions = c.Export.Partitions
	opts.BaseDate = c.Export.BaseDate
	opts.MaxRetries = c.Export.MaxRetries
	opts.RetryWait = c.Export.RetryWait
	return opts
}
