package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTuningConfigIsValid(t *testing.T) {
	assert.NoError(t, validateTuningConfig(DefaultTuningConfig()))
}

func TestValidateTuningConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*TuningConfig)
	}{
		{"empty dispatch backoff", func(c *TuningConfig) { c.DispatchBackoff = nil }},
		{"negative backoff entry", func(c *TuningConfig) { c.PollBackoff = []time.Duration{time.Minute, -time.Minute} }},
		{"decreasing backoff", func(c *TuningConfig) { c.DispatchBackoff = []time.Duration{time.Hour, time.Minute} }},
		{"zero failure threshold", func(c *TuningConfig) { c.Breaker.FailureThreshold = 0 }},
		{"zero success threshold", func(c *TuningConfig) { c.Breaker.SuccessThreshold = 0 }},
		{"zero open timeout", func(c *TuningConfig) { c.Breaker.OpenTimeout = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultTuningConfig()
			tc.mutate(&cfg)
			assert.Error(t, validateTuningConfig(cfg))
		})
	}
}

func TestStaticTuningHolder(t *testing.T) {
	cfg := DefaultTuningConfig()
	cfg.Breaker.FailureThreshold = 9

	holder := NewStaticTuningHolder(cfg)
	require.NotNil(t, holder)
	assert.Equal(t, 9, holder.Get().Breaker.FailureThreshold)
}
