package breaker

import (
	"context"
	"time"
)

// State is the breaker tri-state.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

// OpenReason records why the breaker opened.
type OpenReason string

const (
	ReasonFailures  OpenReason = "failures"
	ReasonRateLimit OpenReason = "rate_limit"
)

// Snapshot is the shared breaker state for one provider.
type Snapshot struct {
	State         State
	FailureCount  int64
	SuccessCount  int64
	LastFailureAt time.Time
	OpenReason    OpenReason
}

// Store holds breaker state in shared storage so concurrent workers observe
// and drive the same breaker. Counter mutations must be atomic; entries are
// TTL'd so a crashed process cannot wedge the breaker open forever.
type Store interface {
	Get(ctx context.Context, provider string) (Snapshot, error)
	// Put overwrites the full snapshot, refreshing the TTL.
	Put(ctx context.Context, provider string, snap Snapshot, ttl time.Duration) error
	// IncrFailures atomically increments the failure counter and returns
	// the new value.
	IncrFailures(ctx context.Context, provider string, ttl time.Duration) (int64, error)
	// DecrFailures atomically decrements the failure counter, flooring at
	// zero, and returns the new value.
	DecrFailures(ctx context.Context, provider string) (int64, error)
	// IncrSuccesses atomically increments the success counter and returns
	// the new value.
	IncrSuccesses(ctx context.Context, provider string, ttl time.Duration) (int64, error)
	// Reset removes all breaker state for the provider (closed, zeroed).
	Reset(ctx context.Context, provider string) error
}
