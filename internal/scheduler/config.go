package scheduler

import (
	"os"
	"strings"
	"time"
)

// Config controls the periodic run loop.
type Config struct {
	RunInterval time.Duration
	JobTimeout  time.Duration
	// EnabledJobs filters the periodic jobs by name; empty enables all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 5 * time.Minute,
		JobTimeout:  10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

// ProvideConfig reads the scheduler knobs from the environment.
func ProvideConfig() Config {
	cfg := DefaultConfig()
	if raw := os.Getenv("SCHEDULER_RUN_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.RunInterval = d
		}
	}
	if raw := os.Getenv("SCHEDULER_JOB_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.JobTimeout = d
		}
	}
	if raw := os.Getenv("SCHEDULER_ENABLED_JOBS"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				cfg.EnabledJobs = append(cfg.EnabledJobs, trimmed)
			}
		}
	}
	return cfg
}
