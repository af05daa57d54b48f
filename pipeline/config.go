package pipeline

import (
	"fmt"
	"time"
)

// Config tunes the pipeline. Start from DefaultConfig.
type Config struct {
	// Per-stage deadlines on the agent and collaborator calls. Expiry
	// surfaces as the stage's failure event.
	PlanningTimeout  time.Duration `yaml:"planning_timeout"`
	CodingTimeout    time.Duration `yaml:"coding_timeout"`
	ReviewingTimeout time.Duration `yaml:"reviewing_timeout"`
	PROpenTimeout    time.Duration `yaml:"pr_open_timeout"`

	// MaxReviewRetries caps how many times a rejected review may send the
	// job back to coding before the job fails instead.
	MaxReviewRetries int `yaml:"max_review_retries"`
}

// DefaultConfig returns the pipeline defaults: 15m planning, 30m coding,
// 15m reviewing, 5m pr-open, 3 review retries.
func DefaultConfig() Config {
	return Config{
		PlanningTimeout:  15 * time.Minute,
		CodingTimeout:    30 * time.Minute,
		ReviewingTimeout: 15 * time.Minute,
		PROpenTimeout:    5 * time.Minute,
		MaxReviewRetries: 3,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"planning_timeout":  c.PlanningTimeout,
		"coding_timeout":    c.CodingTimeout,
		"reviewing_timeout": c.ReviewingTimeout,
		"pr_open_timeout":   c.PROpenTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("pipeline config: %s must be positive", name)
		}
	}
	if c.MaxReviewRetries < 0 {
		return fmt.Errorf("pipeline config: max_review_retries must not be negative")
	}
	return nil
}
