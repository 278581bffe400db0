// Package config provides unified configuration for all Strata services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll      Mode = "all"
	ModeAPI      Mode = "api"
	ModePipeline Mode = "pipeline"
)

// Config holds the unified configuration for all Strata services.
type Config struct {
	// Mode specifies which services to run: all, api, pipeline
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Intake journal configuration
	Intake IntakeConfig `json:"intake" yaml:"intake"`

	// Pipeline configuration
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`

	// Export configuration
	Export ExportConfig `json:"export" yaml:"export"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP address for the admin/query API
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// IntakeConfig holds intake journal configuration.
type IntakeConfig struct {
	// JournalDir is the directory for intake journal segments
	JournalDir string `json:"journal_dir" yaml:"journal_dir"`

	// SegmentMaxBytes is the journal segment size that triggers
	// rotation; 0 uses the intake default
	SegmentMaxBytes int64 `json:"segment_max_bytes" yaml:"segment_max_bytes"`
}

// PipelineConfig holds batch pipeline configuration.
type PipelineConfig struct {
	// SessionGapSeconds is the inactivity threshold that closes a session
	SessionGapSeconds int64 `json:"session_gap_seconds" yaml:"session_gap_seconds"`

	// AttributionWindowDays bounds the conversion attribution lookback
	AttributionWindowDays int `json:"attribution_window_days" yaml:"attribution_window_days"`

	// Workers is the number of tenants processed in parallel
	Workers int `json:"workers" yaml:"workers"`

	// Interval is the daemon interval between full recomputation runs
	Interval time.Duration `json:"interval" yaml:"interval"`

	// RetentionDays is the days before exported run artifacts are
	// garbage collected (0 disables GC)
	RetentionDays int `json:"retention_days" yaml:"retention_days"`

	// MappingsFile optionally overrides/extends the built-in master
	// model field mappings (YAML)
	MappingsFile string `json:"mappings_file" yaml:"mappings_file"`

	// Tenants optionally restricts runs to the listed tenant slugs;
	// empty means every tenant present in the raw batch log
	Tenants []string `json:"tenants" yaml:"tenants"`
}

// ExportConfig holds run artifact export configuration.
type ExportConfig struct {
	// Enabled controls whether run outputs are exported
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Backend is the object storage backend: local, s3
	Backend string `json:"backend" yaml:"backend"`

	// Path is the local artifact path (for local backend)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 backend)
	S3 S3Config `json:"s3" yaml:"s3"`

	// Postgres optionally mirrors outbound tables to a dashboard database
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// S3Config holds S3 export configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Prefix is prepended to every artifact key
	Prefix string `json:"prefix" yaml:"prefix"`
}

// PostgresConfig holds the optional Postgres mirror configuration.
type PostgresConfig struct {
	// Enabled controls whether outbound tables are mirrored
	Enabled bool `json:"enabled" yaml:"enabled"`

	// DSN is the Postgres connection string
	DSN string `json:"dsn" yaml:"dsn"`
}

// MetricsConfig holds metrics reporting configuration.
type MetricsConfig struct {
	// Enabled controls whether metrics are submitted to Datadog;
	// disabled uses the no-op backend
	Enabled bool `json:"enabled" yaml:"enabled"`

	// JobName becomes the job tag on every metric
	JobName string `json:"job_name" yaml:"job_name"`

	// FlushInterval controls how often buffered metrics are submitted
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`

	// Tags are extra metric tags (e.g. "env:prod")
	Tags []string `json:"tags" yaml:"tags"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// JSON switches to machine-readable JSON output
	JSON bool `json:"json" yaml:"json"`

	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/strata",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Intake: IntakeConfig{
			JournalDir:      "",
			SegmentMaxBytes: 0,
		},
		Pipeline: PipelineConfig{
			SessionGapSeconds:     1800,
			AttributionWindowDays: 30,
			Workers:               4,
			Interval:              15 * time.Minute,
			RetentionDays:         30,
		},
		Export: ExportConfig{
			Enabled: true,
			Backend: "local",
			Path:    "",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			JobName:       "strata",
			FlushInterval: 60 * time.Second,
		},
		Logging: LoggingConfig{
			JSON:  false,
			Level: "info",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/strata"
	}

	if c.Intake.JournalDir == "" {
		c.Intake.JournalDir = filepath.Join(c.DataDir, "intake")
	}

	if c.Export.Path == "" {
		c.Export.Path = filepath.Join(c.DataDir, "artifacts")
	}
}

// MetadataPath returns the path to the metadata database holding the
// blueprint registry, tenant config history, and run ledger.
func (c *Config) MetadataPath() string {
	return filepath.Join(c.DataDir, "metadata.db")
}

// WarehousePath returns the path to the warehouse database holding raw
// batches and materialized outputs.
func (c *Config) WarehousePath() string {
	return filepath.Join(c.DataDir, "warehouse.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeAPI, ModePipeline:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, api, or pipeline)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Export.Backend != "local" && c.Export.Backend != "s3" {
		return fmt.Errorf("invalid export backend: %s (must be local or s3)", c.Export.Backend)
	}

	if c.Export.Backend == "s3" && c.Export.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when export backend is s3")
	}

	if c.Export.Postgres.Enabled && c.Export.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required when the postgres mirror is enabled")
	}

	if c.Pipeline.SessionGapSeconds <= 0 {
		return fmt.Errorf("pipeline.session_gap_seconds must be positive, got %d", c.Pipeline.SessionGapSeconds)
	}

	if c.Pipeline.AttributionWindowDays <= 0 {
		return fmt.Errorf("pipeline.attribution_window_days must be positive, got %d", c.Pipeline.AttributionWindowDays)
	}

	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}

	return nil
}

// SessionGap returns the inactivity threshold as a duration.
func (c *Config) SessionGap() time.Duration {
	return time.Duration(c.Pipeline.SessionGapSeconds) * time.Second
}

// AttributionWindow returns the attribution lookback as a duration.
func (c *Config) AttributionWindow() time.Duration {
	return time.Duration(c.Pipeline.AttributionWindowDays) * 24 * time.Hour
}

// ShouldRunAPI returns true if the admin/query API should run.
func (c *Config) ShouldRunAPI() bool {
	return c.Mode == ModeAll || c.Mode == ModeAPI
}

// ShouldRunPipeline returns true if the pipeline daemon should run.
func (c *Config) ShouldRunPipeline() bool {
	return c.Mode == ModeAll || c.Mode == ModePipeline
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the STRATA_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("STRATA_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("STRATA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("STRATA_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Pipeline configuration
	if v := os.Getenv("STRATA_SESSION_GAP_SECONDS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Pipeline.SessionGapSeconds)
	}
	if v := os.Getenv("STRATA_ATTRIBUTION_WINDOW_DAYS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Pipeline.AttributionWindowDays)
	}
	if v := os.Getenv("STRATA_PIPELINE_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Pipeline.Workers)
	}
	if v := os.Getenv("STRATA_PIPELINE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.Interval = d
		}
	}
	if v := os.Getenv("STRATA_RETENTION_DAYS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Pipeline.RetentionDays)
	}
	if v := os.Getenv("STRATA_MAPPINGS_FILE"); v != "" {
		cfg.Pipeline.MappingsFile = v
	}

	// Export configuration
	if v := os.Getenv("STRATA_EXPORT_BACKEND"); v != "" {
		cfg.Export.Backend = v
	}
	if v := os.Getenv("STRATA_EXPORT_PATH"); v != "" {
		cfg.Export.Path = v
	}
	if v := os.Getenv("STRATA_S3_BUCKET"); v != "" {
		cfg.Export.S3.Bucket = v
	}
	if v := os.Getenv("STRATA_S3_REGION"); v != "" {
		cfg.Export.S3.Region = v
	}
	if v := os.Getenv("STRATA_S3_ENDPOINT"); v != "" {
		cfg.Export.S3.Endpoint = v
	}
	if v := os.Getenv("STRATA_S3_PREFIX"); v != "" {
		cfg.Export.S3.Prefix = v
	}
	if v := os.Getenv("STRATA_POSTGRES_DSN"); v != "" {
		cfg.Export.Postgres.DSN = v
		cfg.Export.Postgres.Enabled = true
	}

	// Metrics configuration
	if v := os.Getenv("STRATA_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("STRATA_METRICS_JOB"); v != "" {
		cfg.Metrics.JobName = v
	}

	// Logging configuration
	if v := os.Getenv("STRATA_LOG_JSON"); v != "" {
		cfg.Logging.JSON = v == "true" || v == "1"
	}
	if v := os.Getenv("STRATA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Intake.JournalDir,
	}
	if c.Export.Enabled && c.Export.Backend == "local" {
		dirs = append(dirs, c.Export.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
