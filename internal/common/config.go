package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	Storage     StorageConfig `toml:"storage"`
	Logging     LoggingConfig `toml:"logging"`
	Batches     BatchesConfig `toml:"batches"`
	Tiering     TieringConfig `toml:"tiering"`
	Monitor     MonitorConfig `toml:"monitor"`
}

type StorageConfig struct {
	Type    string       `toml:"type" validate:"omitempty,oneof=badger"` // Only "badger" is supported
	DataDir string       `toml:"data_dir"`                               // Root directory for hot-tier artifact files
	Badger  BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

// BatchesConfig controls batch lifecycle policies.
type BatchesConfig struct {
	DefaultStuckAfter string                `toml:"default_stuck_after"` // e.g. "12h" - fallback stuck threshold
	CancelGracePeriod string                `toml:"cancel_grace_period"` // e.g. "30m" - max time in cancelling before forced cancel
	DefaultRetention  string                `toml:"default_retention"`   // e.g. "168h" - artifact lifetime after completion
	PolicyFile        string                `toml:"policy_file"`         // Optional YAML file with per-kind overrides
	Kinds             map[string]KindPolicy `toml:"kinds"`               // Per-kind policy overrides keyed by batch kind
}

// KindPolicy holds per-kind lifecycle thresholds. Zero values fall back to
// the batch defaults.
type KindPolicy struct {
	StuckAfter string `toml:"stuck_after" yaml:"stuck_after"` // No-activity window before a processing batch is failed
	Retention  string `toml:"retention" yaml:"retention"`     // Artifact lifetime after completion
}

// TieringConfig controls hot-to-cold artifact relocation.
type TieringConfig struct {
	ThresholdMB    int64    `toml:"threshold_mb" validate:"gte=0"`    // Aggregate hot size above which artifacts move cold
	ToleranceBytes int64    `toml:"tolerance_bytes" validate:"gte=0"` // Allowed size delta when verifying a cold copy
	CopyRateMBps   int      `toml:"copy_rate_mbps" validate:"gte=0"`  // Stream-copy pacing, 0 = unlimited
	ColdBackend    string   `toml:"cold_backend" validate:"omitempty,oneof=filesystem s3"`
	ColdDir        string   `toml:"cold_dir"` // Filesystem backend root
	S3             S3Config `toml:"s3"`
}

type S3Config struct {
	Region   string `toml:"region"`
	Bucket   string `toml:"bucket"`
	Endpoint string `toml:"endpoint"` // Optional custom endpoint for S3-compatible stores
}

type MonitorConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // Cron schedule for the detector sweep
}

// DefaultConfig returns a config with sane defaults applied
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Storage: StorageConfig{
			Type:    "badger",
			DataDir: "./data/artifacts",
			Badger: BadgerConfig{
				Path: "./data/colligo.db",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
		Batches: BatchesConfig{
			DefaultStuckAfter: "12h",
			CancelGracePeriod: "30m",
			DefaultRetention:  "168h",
			Kinds:             map[string]KindPolicy{},
		},
		Tiering: TieringConfig{
			ThresholdMB:    50,
			ToleranceBytes: 1024,
			ColdBackend:    "filesystem",
			ColdDir:        "./data/cold",
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			Schedule: "0 * * * *", // Hourly
		},
	}
}

// LoadConfig loads configuration from defaults, then each file in order,
// then environment variables. Later sources override earlier ones.
func LoadConfig(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Batches.PolicyFile != "" {
		if err := cfg.loadKindPolicies(cfg.Batches.PolicyFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration using struct tags
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for name, policy := range c.Batches.Kinds {
		if policy.StuckAfter != "" {
			if _, err := time.ParseDuration(policy.StuckAfter); err != nil {
				return fmt.Errorf("invalid stuck_after for kind %s: %w", name, err)
			}
		}
		if policy.Retention != "" {
			if _, err := time.ParseDuration(policy.Retention); err != nil {
				return fmt.Errorf("invalid retention for kind %s: %w", name, err)
			}
		}
	}
	return nil
}

// applyEnvOverrides applies COLLIGO_* environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COLLIGO_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("COLLIGO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("COLLIGO_DB_PATH"); v != "" {
		cfg.Storage.Badger.Path = v
	}
	if v := os.Getenv("COLLIGO_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("COLLIGO_COLD_BACKEND"); v != "" {
		cfg.Tiering.ColdBackend = v
	}
	if v := os.Getenv("COLLIGO_S3_BUCKET"); v != "" {
		cfg.Tiering.S3.Bucket = v
	}
	if v := os.Getenv("COLLIGO_S3_REGION"); v != "" {
		cfg.Tiering.S3.Region = v
	}
	if v := os.Getenv("COLLIGO_TIERING_THRESHOLD_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Tiering.ThresholdMB = n
		}
	}
}

// StuckThreshold returns the stuck threshold for a batch kind, falling back
// to the configured default when the kind has no override.
func (c *Config) StuckThreshold(kind string) time.Duration {
	if policy, ok := c.Batches.Kinds[kind]; ok && policy.StuckAfter != "" {
		if d, err := time.ParseDuration(policy.StuckAfter); err == nil {
			return d
		}
	}
	return parseDurationOr(c.Batches.DefaultStuckAfter, 12*time.Hour)
}

// Retention returns the artifact retention window for a batch kind.
func (c *Config) Retention(kind string) time.Duration {
	if policy, ok := c.Batches.Kinds[kind]; ok && policy.Retention != "" {
		if d, err := time.ParseDuration(policy.Retention); err == nil {
			return d
		}
	}
	return parseDurationOr(c.Batches.DefaultRetention, 168*time.Hour)
}

// CancelGrace returns how long a batch may sit in cancelling before the
// detector forces it to cancelled.
func (c *Config) CancelGrace() time.Duration {
	return parseDurationOr(c.Batches.CancelGracePeriod, 30*time.Minute)
}

// TieringThresholdBytes returns the hot-size threshold in bytes.
func (c *Config) TieringThresholdBytes() int64 {
	return c.Tiering.ThresholdMB * 1024 * 1024
}

// IsDevelopment returns true when running in a development environment
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development") || strings.EqualFold(c.Environment, "local")
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
