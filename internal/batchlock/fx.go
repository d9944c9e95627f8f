package batchlock

import (
	"strings"

	"github.com/deinte/peppolsub/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// NewRedisClient builds the shared Redis client, or nil when Redis is not
// configured (single-node mode).
func NewRedisClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

var Module = fx.Module("batchlock",
	fx.Provide(
		NewRedisClient,
		NewLocker,
	),
)
