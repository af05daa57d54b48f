// Package config loads the pullsmith daemon configuration: a YAML file
// over defaults, with ${VAR} environment expansion and a small set of
// environment overrides for the secrets that never belong in a file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pullsmith/pullsmith/agent/llm"
	"github.com/pullsmith/pullsmith/pipeline"
	"github.com/pullsmith/pullsmith/queue"
)

// Config is the complete daemon configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	NATS     NATSConfig     `yaml:"nats"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Agent    AgentConfig    `yaml:"agent"`
	Forge    ForgeConfig    `yaml:"forge"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// NATSConfig configures the queue broker connection.
type NATSConfig struct {
	// URL is the broker address. Empty means run an embedded server.
	URL string `yaml:"url"`
	// Embedded forces the embedded server even when URL is set.
	Embedded bool `yaml:"embedded"`
}

// DatabaseConfig configures the storage plane.
type DatabaseConfig struct {
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
	// EnsureSchema applies the embedded DDL on startup.
	EnsureSchema bool `yaml:"ensure_schema"`
}

// QueueConfig tunes the queue substrate.
type QueueConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	AckWait          time.Duration `yaml:"ack_wait"`
	Concurrency      int           `yaml:"concurrency"`
	RatePerSecond    int           `yaml:"rate_per_second"`
	CompletedMaxAge  time.Duration `yaml:"completed_max_age"`
	CompletedMaxMsgs int64         `yaml:"completed_max_msgs"`
	FailedMaxAge     time.Duration `yaml:"failed_max_age"`
	DuplicateWindow  time.Duration `yaml:"duplicate_window"`
}

// PipelineConfig tunes the stage workers.
type PipelineConfig struct {
	PlanningTimeout  time.Duration `yaml:"planning_timeout"`
	CodingTimeout    time.Duration `yaml:"coding_timeout"`
	ReviewingTimeout time.Duration `yaml:"reviewing_timeout"`
	PROpenTimeout    time.Duration `yaml:"pr_open_timeout"`
	MaxReviewRetries int           `yaml:"max_review_retries"`
}

// AgentConfig selects and configures the agent binding.
type AgentConfig struct {
	// Mock swaps the LLM binding for the deterministic mock; development
	// and tests only.
	Mock bool `yaml:"mock"`
	// MockDelay is the mock's artificial latency per call.
	MockDelay time.Duration `yaml:"mock_delay"`
	// Endpoints is the LLM fallback chain, first endpoint preferred.
	Endpoints []llm.Endpoint `yaml:"endpoints"`
}

// ForgeConfig configures the pull-request boundary.
type ForgeConfig struct {
	// WorkDir is the checkout the gh CLI runs from.
	WorkDir string `yaml:"work_dir"`
}

// DefaultConfig returns the defaults: mock agent, embedded broker, queue
// and pipeline constants as documented on their packages.
func DefaultConfig() *Config {
	qc := queue.DefaultConfig()
	pc := pipeline.DefaultConfig()
	return &Config{
		Log:  LogConfig{Level: "info"},
		NATS: NATSConfig{Embedded: true},
		Database: DatabaseConfig{
			DSN: "postgres://pullsmith@localhost:5432/pullsmith?sslmode=disable",
		},
		Queue: QueueConfig{
			MaxRetries:       qc.MaxRetries,
			RetryBackoff:     qc.RetryBackoff,
			AckWait:          qc.AckWait,
			Concurrency:      qc.Concurrency,
			RatePerSecond:    qc.RatePerSecond,
			CompletedMaxAge:  qc.CompletedMaxAge,
			CompletedMaxMsgs: qc.CompletedMaxMsgs,
			FailedMaxAge:     qc.FailedMaxAge,
			DuplicateWindow:  qc.DuplicateWindow,
		},
		Pipeline: PipelineConfig{
			PlanningTimeout:  pc.PlanningTimeout,
			CodingTimeout:    pc.CodingTimeout,
			ReviewingTimeout: pc.ReviewingTimeout,
			PROpenTimeout:    pc.PROpenTimeout,
			MaxReviewRetries: pc.MaxReviewRetries,
		},
		Agent: AgentConfig{
			Mock:      true,
			MockDelay: 50 * time.Millisecond,
		},
		Forge: ForgeConfig{WorkDir: "."},
	}
}

// envPattern matches ${VAR} references in the config file.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with the environment value. Unset variables
// expand to the empty string, which Validate will catch when the field
// matters.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadFromFile reads a YAML config over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Load builds the effective configuration: defaults, then the file when
// path is non-empty, then the environment overrides PULLSMITH_NATS_URL
// and PULLSMITH_DATABASE_DSN.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	if url := os.Getenv("PULLSMITH_NATS_URL"); url != "" {
		cfg.NATS.URL = url
		cfg.NATS.Embedded = false
	}
	if dsn := os.Getenv("PULLSMITH_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be positive")
	}
	if c.Queue.RatePerSecond <= 0 {
		return fmt.Errorf("queue.rate_per_second must be positive")
	}
	if c.Pipeline.MaxReviewRetries <= 0 {
		return fmt.Errorf("pipeline.max_review_retries must be positive")
	}
	if err := c.PipelineConfig().Validate(); err != nil {
		return err
	}
	if !c.Agent.Mock && len(c.Agent.Endpoints) == 0 {
		return fmt.Errorf("agent.endpoints is required unless agent.mock is set")
	}
	for i, ep := range c.Agent.Endpoints {
		if ep.Name == "" || ep.URL == "" || ep.Model == "" {
			return fmt.Errorf("agent.endpoints[%d]: name, url, and model are required", i)
		}
	}
	return nil
}

// Merge overlays other onto c; non-zero values in other win.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = other.NATS.Embedded
	}
	if other.Database.DSN != "" {
		c.Database.DSN = other.Database.DSN
	}
	if other.Database.EnsureSchema {
		c.Database.EnsureSchema = true
	}
	if other.Queue.MaxRetries != 0 {
		c.Queue.MaxRetries = other.Queue.MaxRetries
	}
	if other.Queue.RetryBackoff != 0 {
		c.Queue.RetryBackoff = other.Queue.RetryBackoff
	}
	if other.Queue.Concurrency != 0 {
		c.Queue.Concurrency = other.Queue.Concurrency
	}
	if other.Queue.RatePerSecond != 0 {
		c.Queue.RatePerSecond = other.Queue.RatePerSecond
	}
	if other.Pipeline.MaxReviewRetries != 0 {
		c.Pipeline.MaxReviewRetries = other.Pipeline.MaxReviewRetries
	}
	if len(other.Agent.Endpoints) > 0 {
		c.Agent.Endpoints = other.Agent.Endpoints
		c.Agent.Mock = other.Agent.Mock
	}
	if other.Forge.WorkDir != "" {
		c.Forge.WorkDir = other.Forge.WorkDir
	}
}

// QueueConfig converts to the queue package's configuration.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		MaxRetries:       c.Queue.MaxRetries,
		RetryBackoff:     c.Queue.RetryBackoff,
		AckWait:          c.Queue.AckWait,
		Concurrency:      c.Queue.Concurrency,
		RatePerSecond:    c.Queue.RatePerSecond,
		CompletedMaxAge:  c.Queue.CompletedMaxAge,
		CompletedMaxMsgs: c.Queue.CompletedMaxMsgs,
		FailedMaxAge:     c.Queue.FailedMaxAge,
		DuplicateWindow:  c.Queue.DuplicateWindow,
	}
}

// PipelineConfig converts to the pipeline package's configuration.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		PlanningTimeout:  c.Pipeline.PlanningTimeout,
		CodingTimeout:    c.Pipeline.CodingTimeout,
		ReviewingTimeout: c.Pipeline.ReviewingTimeout,
		PROpenTimeout:    c.Pipeline.PROpenTimeout,
		MaxReviewRetries: c.Pipeline.MaxReviewRetries,
	}
}
