package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the attribution pipeline.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Export   ExportConfig   `yaml:"export"`
}

// ServerConfig holds HTTP server settings for the run-trigger API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects and configures the event/report store.
type StorageConfig struct {
	// EventsBackend is "postgres" or "snowflake". Reports are always
	// written to Postgres.
	EventsBackend string          `yaml:"events_backend"`
	DatabaseURL   string          `yaml:"database_url"`
	Snowflake     SnowflakeConfig `yaml:"snowflake"`
}

// SnowflakeConfig holds warehouse credentials for the read-only event source.
type SnowflakeConfig struct {
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Warehouse string `yaml:"warehouse"`
}

// RedisConfig holds the connection for rate limiting and run locking.
// When disabled, the pipeline falls back to in-process limiting and
// Postgres advisory locks.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// ScoringConfig holds settings for the remote attribution scoring service.
type ScoringConfig struct {
	BaseURL            string `yaml:"base_url"`
	APIKey             string `yaml:"api_key"`
	ConvTypeID         string `yaml:"conv_type_id"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	MaxRetryAttempts   int    `yaml:"max_retry_attempts"`
	RetryBackoffBaseMS int    `yaml:"retry_backoff_base_ms"`
	Parallelism        int    `yaml:"parallelism"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

// Timeout returns the per-request timeout as a duration.
func (c ScoringConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffBase returns the retry backoff base as a duration.
func (c ScoringConfig) BackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseMS) * time.Millisecond
}

// PipelineConfig holds journey-construction and run-control settings.
type PipelineConfig struct {
	SessionTimeoutMinutes      int      `yaml:"session_timeout_minutes"`
	MaxChunkJourneys           int      `yaml:"max_chunk_journeys"`
	MaxChunkBytes              int      `yaml:"max_chunk_bytes"`
	RunTimeoutSeconds          int      `yaml:"run_timeout_seconds"`
	BestEffort                 bool     `yaml:"best_effort"`
	DedupeDuplicates           bool     `yaml:"dedupe_duplicates"`
	KeepNonConverting          bool     `yaml:"keep_non_converting"`
	LookbackDays               int      `yaml:"lookback_days"`
	ChannelWhitelist           []string `yaml:"channel_whitelist"`
	ValidationFailureThreshold float64  `yaml:"validation_failure_threshold"`
	FailedChunkTolerance       float64  `yaml:"failed_chunk_tolerance"`
}

// SessionTimeout returns the inactivity gap that closes a journey.
func (c PipelineConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// RunTimeout returns the whole-run deadline as a duration.
func (c PipelineConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

// Lookback returns how far before the window start events are read to
// capture in-progress journeys.
func (c PipelineConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}

// ExportConfig holds the optional S3 CSV export of the channel report.
type ExportConfig struct {
	Enabled    bool   `yaml:"enabled"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	AWSProfile string `yaml:"aws_profile"`
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Storage.EventsBackend == "" {
		cfg.Storage.EventsBackend = "postgres"
	}
	if cfg.Scoring.TimeoutSeconds == 0 {
		cfg.Scoring.TimeoutSeconds = 30
	}
	if cfg.Scoring.MaxRetryAttempts == 0 {
		cfg.Scoring.MaxRetryAttempts = 5
	}
	if cfg.Scoring.RetryBackoffBaseMS == 0 {
		cfg.Scoring.RetryBackoffBaseMS = 1000
	}
	if cfg.Scoring.Parallelism == 0 {
		cfg.Scoring.Parallelism = 4
	}
	if cfg.Scoring.RateLimitPerMinute == 0 {
		cfg.Scoring.RateLimitPerMinute = 60
	}
	if cfg.Pipeline.SessionTimeoutMinutes == 0 {
		cfg.Pipeline.SessionTimeoutMinutes = 30
	}
	if cfg.Pipeline.MaxChunkJourneys == 0 {
		cfg.Pipeline.MaxChunkJourneys = 100
	}
	if cfg.Pipeline.MaxChunkBytes == 0 {
		cfg.Pipeline.MaxChunkBytes = 1 << 20 // 1 MiB
	}
	if cfg.Pipeline.RunTimeoutSeconds == 0 {
		cfg.Pipeline.RunTimeoutSeconds = 1800
	}
	if cfg.Pipeline.LookbackDays == 0 {
		cfg.Pipeline.LookbackDays = 7
	}
	if cfg.Pipeline.ValidationFailureThreshold == 0 {
		cfg.Pipeline.ValidationFailureThreshold = 0.05
	}
	// FailedChunkTolerance stays 0 by default: any fully-failed chunk fails
	// the run unless best_effort is set.

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars in the container.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Storage.DatabaseURL = dbURL
	}
	if apiKey := os.Getenv("SCORING_API_KEY"); apiKey != "" {
		cfg.Scoring.APIKey = apiKey
	}
	if baseURL := os.Getenv("SCORING_BASE_URL"); baseURL != "" {
		cfg.Scoring.BaseURL = baseURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
		cfg.Redis.Enabled = true
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if pw := os.Getenv("SNOWFLAKE_PASSWORD"); pw != "" {
		cfg.Storage.Snowflake.Password = pw
	}

	return cfg, nil
}

// Validate checks that the configuration is usable for a pipeline run.
func (c *Config) Validate() error {
	if c.Storage.EventsBackend != "postgres" && c.Storage.EventsBackend != "snowflake" {
		return fmt.Errorf("storage.events_backend must be postgres or snowflake, got %q", c.Storage.EventsBackend)
	}
	if c.Storage.DatabaseURL == "" {
		return fmt.Errorf("storage.database_url is required")
	}
	if c.Storage.EventsBackend == "snowflake" && c.Storage.Snowflake.Account == "" {
		return fmt.Errorf("storage.snowflake.account is required for the snowflake backend")
	}
	if c.Scoring.BaseURL == "" {
		return fmt.Errorf("scoring.base_url is required")
	}
	if c.Scoring.APIKey == "" {
		return fmt.Errorf("scoring.api_key is required")
	}
	if c.Scoring.Parallelism < 1 {
		return fmt.Errorf("scoring.parallelism must be at least 1")
	}
	if c.Pipeline.MaxChunkJourneys < 1 {
		return fmt.Errorf("pipeline.max_chunk_journeys must be at least 1")
	}
	if c.Pipeline.FailedChunkTolerance < 0 || c.Pipeline.FailedChunkTolerance > 1 {
		return fmt.Errorf("pipeline.failed_chunk_tolerance must be in [0,1]")
	}
	if c.Pipeline.ValidationFailureThreshold < 0 || c.Pipeline.ValidationFailureThreshold > 1 {
		return fmt.Errorf("pipeline.validation_failure_threshold must be in [0,1]")
	}
	if c.Export.Enabled && c.Export.S3Bucket == "" {
		return fmt.Errorf("export.s3_bucket is required when export is enabled")
	}
	return nil
}
