package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"

storage:
  events_backend: "postgres"
  database_url: "postgres://localhost/attribution?sslmode=disable"

scoring:
  base_url: "https://api.scoring.example.com/v1"
  api_key: "test-api-key"
  conv_type_id: "purchase"
  timeout_seconds: 45
  max_retry_attempts: 3
  retry_backoff_base_ms: 250
  parallelism: 8

pipeline:
  session_timeout_minutes: 45
  max_chunk_journeys: 50
  max_chunk_bytes: 524288
  best_effort: true
  dedupe_duplicates: true
  channel_whitelist: ["Google Ads", "Facebook", "Email"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	assert.Equal(t, "postgres", cfg.Storage.EventsBackend)

	assert.Equal(t, "test-api-key", cfg.Scoring.APIKey)
	assert.Equal(t, "purchase", cfg.Scoring.ConvTypeID)
	assert.Equal(t, 45, cfg.Scoring.TimeoutSeconds)
	assert.Equal(t, 3, cfg.Scoring.MaxRetryAttempts)
	assert.Equal(t, 8, cfg.Scoring.Parallelism)

	assert.Equal(t, 45, cfg.Pipeline.SessionTimeoutMinutes)
	assert.Equal(t, 50, cfg.Pipeline.MaxChunkJourneys)
	assert.Equal(t, 524288, cfg.Pipeline.MaxChunkBytes)
	assert.True(t, cfg.Pipeline.BestEffort)
	assert.True(t, cfg.Pipeline.DedupeDuplicates)
	assert.Equal(t, []string{"Google Ads", "Facebook", "Email"}, cfg.Pipeline.ChannelWhitelist)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_url: "postgres://localhost/attribution"
scoring:
  base_url: "https://api.scoring.example.com/v1"
  api_key: "k"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "postgres", cfg.Storage.EventsBackend)
	assert.Equal(t, 30, cfg.Scoring.TimeoutSeconds)
	assert.Equal(t, 5, cfg.Scoring.MaxRetryAttempts)
	assert.Equal(t, 1000, cfg.Scoring.RetryBackoffBaseMS)
	assert.Equal(t, 4, cfg.Scoring.Parallelism)
	assert.Equal(t, 30, cfg.Pipeline.SessionTimeoutMinutes)
	assert.Equal(t, 100, cfg.Pipeline.MaxChunkJourneys)
	assert.Equal(t, 1<<20, cfg.Pipeline.MaxChunkBytes)
	assert.Equal(t, 0.0, cfg.Pipeline.FailedChunkTolerance)
	assert.False(t, cfg.Pipeline.BestEffort)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_url: "postgres://file/db"
scoring:
  base_url: "https://file.example.com"
  api_key: "file-key"
`)

	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("SCORING_API_KEY", "env-key")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SERVER_PORT", "7070")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Storage.DatabaseURL)
	assert.Equal(t, "env-key", cfg.Scoring.APIKey)
	assert.Equal(t, "https://file.example.com", cfg.Scoring.BaseURL)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	valid := &Config{
		Storage: StorageConfig{EventsBackend: "postgres", DatabaseURL: "postgres://x"},
		Scoring: ScoringConfig{BaseURL: "https://x", APIKey: "k", Parallelism: 2},
		Pipeline: PipelineConfig{
			MaxChunkJourneys: 10,
		},
	}
	require.NoError(t, valid.Validate())

	missingKey := *valid
	missingKey.Scoring.APIKey = ""
	assert.Error(t, missingKey.Validate())

	badBackend := *valid
	badBackend.Storage.EventsBackend = "mysql"
	assert.Error(t, badBackend.Validate())

	badTolerance := *valid
	badTolerance.Pipeline.FailedChunkTolerance = 1.5
	assert.Error(t, badTolerance.Validate())

	exportNoBucket := *valid
	exportNoBucket.Export.Enabled = true
	assert.Error(t, exportNoBucket.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
