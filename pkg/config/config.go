// Package config loads councilctl settings from an optional YAML file
// overlaid by environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Executor kinds.
const (
	ExecutorLog    = "log"
	ExecutorOutbox = "outbox"
	ExecutorRedis  = "redis"
)

// Config holds every path, key and policy knob the council components need.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	StorePath string `yaml:"store_path"`
	AuditPath string `yaml:"audit_path"`
	KeyFile   string `yaml:"key_file"`

	// Production refuses unsigned records and makes audit failures fatal.
	Production    bool `yaml:"production"`
	AllowUnsigned bool `yaml:"allow_unsigned"`
	StrictAudit   bool `yaml:"strict_audit"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ExecutionLease time.Duration `yaml:"execution_lease"`

	Lock      LockConfig      `yaml:"lock"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Guard     GuardConfig     `yaml:"guard"`
}

// LockConfig tunes the store lock.
type LockConfig struct {
	StaleAfter     time.Duration `yaml:"stale_after"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// ExecutorConfig selects where approved actions go.
type ExecutorConfig struct {
	Kind          string  `yaml:"kind"`
	OutboxDriver  string  `yaml:"outbox_driver"`
	OutboxDSN     string  `yaml:"outbox_dsn"`
	RedisURL      string  `yaml:"redis_url"`
	RedisStream   string  `yaml:"redis_stream"`
	RedisMaxLen   int64   `yaml:"redis_max_len"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	Environment string  `yaml:"environment"`
}

// GuardConfig holds charter rules checked on every new proposal.
type GuardConfig struct {
	Rules []string `yaml:"rules"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		DataDir:        ".council",
		LogLevel:       "INFO",
		LogFormat:      "text",
		ExecutionLease: 5 * time.Minute,
		Lock: LockConfig{
			StaleAfter:     30 * time.Second,
			MaxAttempts:    40,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
		},
		Executor: ExecutorConfig{
			Kind:         ExecutorLog,
			OutboxDriver: "sqlite",
			RedisStream:  "council:actions",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			Environment: "development",
		},
	}
}

// Load reads the YAML file at path (skipped when empty), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}

	str("COUNCIL_DATA_DIR", &c.DataDir)
	str("COUNCIL_STORE_PATH", &c.StorePath)
	str("COUNCIL_AUDIT_PATH", &c.AuditPath)
	str("COUNCIL_KEY_FILE", &c.KeyFile)
	boolean("COUNCIL_PRODUCTION", &c.Production)
	boolean("COUNCIL_ALLOW_UNSIGNED", &c.AllowUnsigned)
	boolean("COUNCIL_STRICT_AUDIT", &c.StrictAudit)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	duration("COUNCIL_EXECUTION_LEASE", &c.ExecutionLease)

	duration("COUNCIL_LOCK_STALE_AFTER", &c.Lock.StaleAfter)
	integer("COUNCIL_LOCK_MAX_ATTEMPTS", &c.Lock.MaxAttempts)

	str("COUNCIL_EXECUTOR", &c.Executor.Kind)
	str("COUNCIL_OUTBOX_DRIVER", &c.Executor.OutboxDriver)
	str("COUNCIL_OUTBOX_DSN", &c.Executor.OutboxDSN)
	str("REDIS_URL", &c.Executor.RedisURL)
	str("COUNCIL_REDIS_STREAM", &c.Executor.RedisStream)
	float("COUNCIL_EXECUTOR_RATE", &c.Executor.RatePerSecond)
	integer("COUNCIL_EXECUTOR_BURST", &c.Executor.Burst)

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = strings.TrimPrefix(strings.TrimPrefix(v, "http://"), "https://")
	}
	boolean("OTEL_EXPORTER_OTLP_INSECURE", &c.Telemetry.Insecure)

	return errors.Join(errs...)
}

func (c *Config) resolvePaths() {
	if c.StorePath == "" {
		c.StorePath = filepath.Join(c.DataDir, "council.json")
	}
	if c.AuditPath == "" {
		c.AuditPath = filepath.Join(c.DataDir, "audit.jsonl")
	}
	if c.KeyFile == "" {
		c.KeyFile = filepath.Join(c.DataDir, "master.key")
	}
	if c.Executor.Kind == ExecutorOutbox && c.Executor.OutboxDSN == "" && c.Executor.OutboxDriver == "sqlite" {
		c.Executor.OutboxDSN = filepath.Join(c.DataDir, "outbox.db")
	}
}

// Validate rejects inconsistent settings. In production, unsigned records
// are refused and audit failures become fatal.
func (c *Config) Validate() error {
	if c.Production {
		if c.AllowUnsigned {
			return errors.New("config: allow_unsigned cannot be enabled in production")
		}
		c.StrictAudit = true
	}
	if c.Lock.MaxAttempts < 1 {
		return fmt.Errorf("config: lock.max_attempts must be positive, got %d", c.Lock.MaxAttempts)
	}
	if c.Lock.StaleAfter <= 0 {
		return errors.New("config: lock.stale_after must be positive")
	}
	switch c.Executor.Kind {
	case ExecutorLog:
	case ExecutorOutbox:
		if c.Executor.OutboxDriver != "sqlite" && c.Executor.OutboxDriver != "postgres" {
			return fmt.Errorf("config: unsupported outbox driver %q", c.Executor.OutboxDriver)
		}
		if c.Executor.OutboxDSN == "" {
			return errors.New("config: executor.outbox_dsn is required")
		}
	case ExecutorRedis:
		if c.Executor.RedisURL == "" {
			return errors.New("config: executor.redis_url is required")
		}
	default:
		return fmt.Errorf("config: unknown executor kind %q", c.Executor.Kind)
	}
	if c.Executor.RatePerSecond < 0 {
		return errors.New("config: executor.rate_per_second must not be negative")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("config: telemetry.sample_rate must be within [0, 1], got %v", c.Telemetry.SampleRate)
	}
	return nil
}
