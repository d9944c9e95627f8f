package scheduler

import (
	"time"

	appconfig "github.com/deinte/peppolsub/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	JobTimeout        time.Duration
	DispatchBatchSize int
	PollBatchSize     int
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		JobTimeout:        10 * time.Minute,
		DispatchBatchSize: 50,
		PollBatchSize:     100,
	}
}

// ProvideConfig maps the application dispatch settings onto the scheduler.
func ProvideConfig(cfg appconfig.Config) Config {
	return Config{
		RunInterval:       cfg.Dispatch.RunInterval,
		DispatchBatchSize: cfg.Dispatch.DispatchBatchSize,
		PollBatchSize:     cfg.Dispatch.PollBatchSize,
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
	if c.DispatchBatchSize <= 0 {
		c.DispatchBatchSize = defaults.DispatchBatchSize
	}
	if c.PollBatchSize <= 0 {
		c.PollBatchSize = defaults.PollBatchSize
	}
	return c
}
