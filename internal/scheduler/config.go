package scheduler

import (
	"time"

	"github.com/smallbiznis/energyguard/internal/config"
)

// Config controls scheduler intervals and retention windows.
type Config struct {
	RunInterval        time.Duration
	JobTimeout         time.Duration
	LockTTL            time.Duration
	TelemetryRetention time.Duration
	ExceededRetention  time.Duration
	EnabledJobs        []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:        10 * time.Minute,
		JobTimeout:         time.Minute,
		LockTTL:            5 * time.Minute,
		TelemetryRetention: 24 * time.Hour,
		ExceededRetention:  30 * 24 * time.Hour,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:        cfg.Scheduler.RunInterval,
		LockTTL:            cfg.Scheduler.LockTTL,
		TelemetryRetention: cfg.Scheduler.TelemetryRetention,
		ExceededRetention:  cfg.Scheduler.ExceededRetention,
		EnabledJobs:        cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.TelemetryRetention <= 0 {
		c.TelemetryRetention = defaults.TelemetryRetention
	}
	if c.ExceededRetention <= 0 {
		c.ExceededRetention = defaults.ExceededRetention
	}
	return c
}
