package breaker

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const decrFloorScript = `
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v > 0 then
  v = redis.call("DECR", KEYS[1])
end
return v
`

// RedisStore shares breaker state across workers through Redis. Counters are
// plain INCR/DECR keys so concurrent workers never lose increments.
type RedisStore struct {
	client *redis.Client
	decr   *redis.Script
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		decr:   redis.NewScript(decrFloorScript),
	}
}

func stateKey(provider string) string { return "peppolsub:breaker:" + provider }

func failureKey(provider string) string { return "peppolsub:breaker:" + provider + ":failures" }

func successKey(provider string) string { return "peppolsub:breaker:" + provider + ":successes" }

func (s *RedisStore) Get(ctx context.Context, provider string) (Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, stateKey(provider)).Result()
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{State: StateClosed}
	if v, ok := fields["state"]; ok && v != "" {
		snap.State = State(v)
	}
	if v, ok := fields["reason"]; ok {
		snap.OpenReason = OpenReason(v)
	}
	if v, ok := fields["last_failure_at"]; ok && v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			snap.LastFailureAt = time.Unix(0, unix).UTC()
		}
	}

	snap.FailureCount, _ = s.client.Get(ctx, failureKey(provider)).Int64()
	snap.SuccessCount, _ = s.client.Get(ctx, successKey(provider)).Int64()
	return snap, nil
}

func (s *RedisStore) Put(ctx context.Context, provider string, snap Snapshot, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, stateKey(provider), map[string]any{
		"state":           string(snap.State),
		"reason":          string(snap.OpenReason),
		"last_failure_at": snap.LastFailureAt.UnixNano(),
	})
	pipe.Set(ctx, failureKey(provider), snap.FailureCount, ttl)
	pipe.Set(ctx, successKey(provider), snap.SuccessCount, ttl)
	pipe.Expire(ctx, stateKey(provider), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) IncrFailures(ctx context.Context, provider string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, failureKey(provider))
	pipe.Expire(ctx, failureKey(provider), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisStore) DecrFailures(ctx context.Context, provider string) (int64, error) {
	result, err := s.decr.Run(ctx, s.client, []string{failureKey(provider)}).Int64()
	if err != nil {
		return 0, err
	}
	return result, nil
}

func (s *RedisStore) IncrSuccesses(ctx context.Context, provider string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, successKey(provider))
	pipe.Expire(ctx, successKey(provider), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisStore) Reset(ctx context.Context, provider string) error {
	return s.client.Del(ctx, stateKey(provider), failureKey(provider), successKey(provider)).Err()
}
