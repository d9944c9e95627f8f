package breaker

import (
	"strings"

	"github.com/deinte/peppolsub/internal/clock"
	"github.com/deinte/peppolsub/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewStore picks the Redis-backed store when Redis is configured, falling
// back to the in-process store for single-node setups.
func NewStore(cfg config.Config, client *redis.Client, clk clock.Clock) Store {
	if client != nil && strings.TrimSpace(cfg.RedisAddr) != "" {
		return NewRedisStore(client)
	}
	return NewMemoryStore(clk)
}

// NewProviderBreaker wires the breaker for the configured delivery provider,
// with thresholds read live from the tuning holder.
func NewProviderBreaker(cfg config.Config, store Store, clk clock.Clock, log *zap.Logger, tuning *config.TuningConfigHolder) *Breaker {
	return New(cfg.Provider.Name, store, clk, log, func() Settings {
		t := tuning.Get().Breaker
		return Settings{
			FailureThreshold: t.FailureThreshold,
			SuccessThreshold: t.SuccessThreshold,
			OpenTimeout:      t.OpenTimeout,
			RateLimitTimeout: t.RateLimitTimeout,
			StateTTL:         t.StateTTL,
		}
	})
}

var Module = fx.Module("breaker",
	fx.Provide(
		NewStore,
		NewProviderBreaker,
	),
)
