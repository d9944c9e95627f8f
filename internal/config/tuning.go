package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TuningConfig holds the retry and circuit-breaker knobs that operators
// adjust without redeploying.
type TuningConfig struct {
	DispatchBackoff []time.Duration `mapstructure:"dispatchBackoff"`
	PollBackoff     []time.Duration `mapstructure:"pollBackoff"`
	Breaker         BreakerTuning   `mapstructure:"breaker"`
}

type BreakerTuning struct {
	FailureThreshold int           `mapstructure:"failureThreshold"`
	SuccessThreshold int           `mapstructure:"successThreshold"`
	OpenTimeout      time.Duration `mapstructure:"openTimeout"`
	RateLimitTimeout time.Duration `mapstructure:"rateLimitTimeout"`
	StateTTL         time.Duration `mapstructure:"stateTTL"`
}

func DefaultTuningConfig() TuningConfig {
	return TuningConfig{
		DispatchBackoff: []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour},
		PollBackoff: []time.Duration{
			time.Minute, 5 * time.Minute, 10 * time.Minute, 30 * time.Minute,
			time.Hour, 6 * time.Hour, 24 * time.Hour, 7 * 24 * time.Hour,
		},
		Breaker: BreakerTuning{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      time.Minute,
			RateLimitTimeout: 5 * time.Minute,
			StateTTL:         time.Hour,
		},
	}
}

// TuningConfigHolder exposes the current TuningConfig, hot-reloaded from disk.
type TuningConfigHolder struct {
	current atomic.Value // holds TuningConfig
}

// NewTuningConfigHolder reads peppolsub.yml (if present) and watches it for
// changes. Invalid updates are ignored so a bad edit cannot take the
// scheduler down.
func NewTuningConfigHolder() (*TuningConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("peppolsub")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/peppolsub")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PEPPOLSUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultTuningConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		v.SetDefault("tuning.dispatchBackoff", defaults.DispatchBackoff)
		v.SetDefault("tuning.pollBackoff", defaults.PollBackoff)
		v.SetDefault("tuning.breaker", defaults.Breaker)
	}

	cfg := defaults
	if err := v.UnmarshalKey("tuning", &cfg); err != nil {
		return nil, err
	}
	if err := validateTuningConfig(cfg); err != nil {
		return nil, err
	}

	holder := &TuningConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultTuningConfig()
		if err := v.UnmarshalKey("tuning", &updated); err != nil {
			log.Printf("[tuning-config] reload failed: %v", err)
			return
		}
		if err := validateTuningConfig(updated); err != nil {
			log.Printf("[tuning-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[tuning-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticTuningHolder wraps a fixed TuningConfig without file watching.
func NewStaticTuningHolder(cfg TuningConfig) *TuningConfigHolder {
	holder := &TuningConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *TuningConfigHolder) Get() TuningConfig {
	return h.current.Load().(TuningConfig)
}

func validateTuningConfig(cfg TuningConfig) error {
	if err := validateBackoff("tuning.dispatchBackoff", cfg.DispatchBackoff); err != nil {
		return err
	}
	if err := validateBackoff("tuning.pollBackoff", cfg.PollBackoff); err != nil {
		return err
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		return errors.New("tuning.breaker.failureThreshold must be positive")
	}
	if cfg.Breaker.SuccessThreshold <= 0 {
		return errors.New("tuning.breaker.successThreshold must be positive")
	}
	if cfg.Breaker.OpenTimeout <= 0 || cfg.Breaker.RateLimitTimeout <= 0 {
		return errors.New("tuning.breaker timeouts must be positive")
	}
	return nil
}

func validateBackoff(name string, table []time.Duration) error {
	if len(table) == 0 {
		return errors.New(name + " cannot be empty")
	}
	for i, d := range table {
		if d <= 0 {
			return errors.New(name + " entries must be positive")
		}
		if i > 0 && d < table[i-1] {
			return errors.New(name + " must be non-decreasing")
		}
	}
	return nil
}
