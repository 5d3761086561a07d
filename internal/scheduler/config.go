package scheduler

import (
	"os"
	"strconv"
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	// ClaimSweepThreshold is how old an invoice claim must be before a
	// missing ledger entry counts as a gap.
	ClaimSweepThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:         time.Minute,
		BatchSize:           100,
		JobTimeout:          30 * time.Second,
		ClaimSweepThreshold: time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.ClaimSweepThreshold <= 0 {
		c.ClaimSweepThreshold = defaults.ClaimSweepThreshold
	}
	return c
}

func ProvideConfig() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("SCHEDULER_RUN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RunInterval = d
		}
	}
	if v := os.Getenv("SCHEDULER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("SCHEDULER_JOB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.JobTimeout = d
		}
	}
	if v := os.Getenv("SCHEDULER_CLAIM_SWEEP_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ClaimSweepThreshold = d
		}
	}
	return cfg.withDefaults()
}
