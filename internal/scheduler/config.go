package scheduler

import (
	"time"

	"github.com/smallbiznis/streampay/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	Workers           int
	RecoveryThreshold time.Duration
	JobTimeout        time.Duration
	LockTTL           time.Duration
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       30 * time.Second,
		BatchSize:         50,
		Workers:           8,
		RecoveryThreshold: 5 * time.Minute,
		JobTimeout:        2 * time.Minute,
		LockTTL:           5 * time.Minute,
	}
}

// ProvideConfig maps the application config onto scheduler settings.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:       cfg.Scheduler.RunInterval,
		BatchSize:         cfg.Scheduler.BatchSize,
		Workers:           cfg.Scheduler.Workers,
		RecoveryThreshold: cfg.Scheduler.RecoveryThreshold,
		EnabledJobs:       cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
