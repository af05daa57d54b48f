package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullsmith/pullsmith/agent/llm"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pullsmith.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.NATS.Embedded)
	assert.True(t, cfg.Agent.Mock)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Queue.RetryBackoff)
	assert.Equal(t, 5, cfg.Queue.Concurrency)
	assert.Equal(t, 10, cfg.Queue.RatePerSecond)
	assert.Equal(t, 24*time.Hour, cfg.Queue.CompletedMaxAge)
	assert.Equal(t, int64(1000), cfg.Queue.CompletedMaxMsgs)
	assert.Equal(t, 7*24*time.Hour, cfg.Queue.FailedMaxAge)
	assert.Equal(t, 3, cfg.Pipeline.MaxReviewRetries)
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.PlanningTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.CodingTimeout)
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
nats:
  url: nats://broker:4222
queue:
  max_retries: 5
pipeline:
  max_review_retries: 1
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 1, cfg.Pipeline.MaxReviewRetries)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Queue.Concurrency)
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.PlanningTimeout)
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-test-123")
	path := writeConfig(t, `
agent:
  mock: false
  endpoints:
    - name: primary
      url: https://llm.example.com/v1
      model: test-model
      api_key: ${TEST_LLM_KEY}
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Agent.Endpoints, 1)
	assert.Equal(t, "sk-test-123", cfg.Agent.Endpoints[0].APIKey)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PULLSMITH_NATS_URL", "nats://env:4222")
	t.Setenv("PULLSMITH_DATABASE_DSN", "postgres://env/db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.False(t, cfg.NATS.Embedded)
	assert.Equal(t, "postgres://env/db", cfg.Database.DSN)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"negative retries", func(c *Config) { c.Queue.MaxRetries = -1 }},
		{"zero concurrency", func(c *Config) { c.Queue.Concurrency = 0 }},
		{"zero rate", func(c *Config) { c.Queue.RatePerSecond = 0 }},
		{"zero review cap", func(c *Config) { c.Pipeline.MaxReviewRetries = 0 }},
		{"real agent without endpoints", func(c *Config) { c.Agent.Mock = false }},
		{"endpoint missing model", func(c *Config) {
			c.Agent.Mock = false
			c.Agent.Endpoints = []llm.Endpoint{{Name: "primary", URL: "https://llm.example.com"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMergePrefersOverlay(t *testing.T) {
	base := DefaultConfig()
	overlay := &Config{}
	overlay.Log.Level = "error"
	overlay.NATS.URL = "nats://other:4222"
	overlay.Queue.MaxRetries = 7
	overlay.Forge.WorkDir = "/srv/checkout"

	base.Merge(overlay)

	assert.Equal(t, "error", base.Log.Level)
	assert.Equal(t, "nats://other:4222", base.NATS.URL)
	assert.Equal(t, 7, base.Queue.MaxRetries)
	assert.Equal(t, "/srv/checkout", base.Forge.WorkDir)
	// Untouched overlay fields leave the base alone.
	assert.Equal(t, 5, base.Queue.Concurrency)
}

func TestQueueAndPipelineConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.MaxRetries = 9
	cfg.Pipeline.MaxReviewRetries = 2

	assert.Equal(t, 9, cfg.QueueConfig().MaxRetries)
	assert.Equal(t, 2, cfg.PipelineConfig().MaxReviewRetries)
}
