// Package breaker isolates the system from a failing or rate-limiting
// delivery provider. Breaker state lives in a shared Store so every worker
// sees the same tri-state.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deinte/peppolsub/internal/clock"
	providerdomain "github.com/deinte/peppolsub/internal/provider/domain"
	"go.uber.org/zap"
)

// ErrCircuitOpen is the sentinel matched by errors.Is for open rejections.
var ErrCircuitOpen = errors.New("circuit_open")

// OpenError is returned when the breaker rejects a call without invoking it.
type OpenError struct {
	Provider   string
	Reason     OpenReason
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (%s), retry in %s", e.Provider, e.Reason, e.RetryAfter)
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Settings are the breaker thresholds and timeouts. Rate-limit opens get a
// longer cool-off than failure opens: a 429 is a certain signal to back off.
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	RateLimitTimeout time.Duration
	StateTTL         time.Duration
}

// Breaker wraps provider calls for one named provider.
type Breaker struct {
	provider string
	store    Store
	clock    clock.Clock
	log      *zap.Logger
	settings func() Settings
}

func New(provider string, store Store, clk clock.Clock, log *zap.Logger, settings func() Settings) *Breaker {
	return &Breaker{
		provider: provider,
		store:    store,
		clock:    clk,
		log:      log.Named("breaker").With(zap.String("provider", provider)),
		settings: settings,
	}
}

// Execute runs op under the breaker. An OpenError means op was never
// invoked; any other error came from op itself.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	cfg := b.settings()

	snap, err := b.store.Get(ctx, b.provider)
	if err != nil {
		return fmt.Errorf("breaker state read: %w", err)
	}

	switch snap.State {
	case StateOpen:
		elapsed := b.clock.Now().Sub(snap.LastFailureAt)
		timeout := cfg.OpenTimeout
		if snap.OpenReason == ReasonRateLimit {
			timeout = cfg.RateLimitTimeout
		}
		if elapsed < timeout {
			return &OpenError{Provider: b.provider, Reason: snap.OpenReason, RetryAfter: timeout - elapsed}
		}
		// Cool-off elapsed; run op as a half-open trial.
		snap.State = StateHalfOpen
		snap.SuccessCount = 0
		if err := b.store.Put(ctx, b.provider, snap, cfg.StateTTL); err != nil {
			return fmt.Errorf("breaker state write: %w", err)
		}
		b.log.Info("breaker half-open, trial call")
		return b.trial(ctx, cfg, op)

	case StateHalfOpen:
		return b.trial(ctx, cfg, op)

	default: // closed
		opErr := op(ctx)
		if opErr == nil {
			// Successes chip away at the failure streak rather than
			// forgiving it outright.
			if snap.FailureCount > 0 {
				_, _ = b.store.DecrFailures(ctx, b.provider)
			}
			return nil
		}
		b.recordClosedFailure(ctx, cfg, opErr)
		return opErr
	}
}

func (b *Breaker) trial(ctx context.Context, cfg Settings, op func(ctx context.Context) error) error {
	opErr := op(ctx)
	if opErr != nil {
		// One failure during trial reopens fully.
		b.open(ctx, cfg, reasonFor(opErr))
		return opErr
	}

	successes, err := b.store.IncrSuccesses(ctx, b.provider, cfg.StateTTL)
	if err != nil {
		b.log.Warn("breaker success count failed", zap.Error(err))
		return nil
	}
	if successes >= int64(cfg.SuccessThreshold) {
		if err := b.store.Reset(ctx, b.provider); err != nil {
			b.log.Warn("breaker reset failed", zap.Error(err))
		} else {
			b.log.Info("breaker closed after recovery")
		}
	}
	return nil
}

func (b *Breaker) recordClosedFailure(ctx context.Context, cfg Settings, opErr error) {
	if providerdomain.IsRateLimited(opErr) {
		// A rate limit opens the breaker immediately regardless of the
		// failure threshold.
		b.open(ctx, cfg, ReasonRateLimit)
		return
	}

	failures, err := b.store.IncrFailures(ctx, b.provider, cfg.StateTTL)
	if err != nil {
		b.log.Warn("breaker failure count failed", zap.Error(err))
		return
	}
	if failures >= int64(cfg.FailureThreshold) {
		b.open(ctx, cfg, ReasonFailures)
	}
}

func (b *Breaker) open(ctx context.Context, cfg Settings, reason OpenReason) {
	snap, err := b.store.Get(ctx, b.provider)
	if err != nil {
		b.log.Warn("breaker state read failed", zap.Error(err))
		snap = Snapshot{}
	}
	snap.State = StateOpen
	snap.OpenReason = reason
	snap.SuccessCount = 0
	snap.LastFailureAt = b.clock.Now()
	if err := b.store.Put(ctx, b.provider, snap, cfg.StateTTL); err != nil {
		b.log.Warn("breaker state write failed", zap.Error(err))
		return
	}
	b.log.Warn("breaker opened", zap.String("reason", string(reason)))
}

// Status reports the current shared state plus the remaining cool-off, if any.
type Status struct {
	State        State
	FailureCount int64
	SuccessCount int64
	OpenReason   OpenReason
	RetryAfter   time.Duration
}

func (b *Breaker) Status(ctx context.Context) (Status, error) {
	snap, err := b.store.Get(ctx, b.provider)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		State:        snap.State,
		FailureCount: snap.FailureCount,
		SuccessCount: snap.SuccessCount,
		OpenReason:   snap.OpenReason,
	}
	if snap.State == StateOpen {
		cfg := b.settings()
		timeout := cfg.OpenTimeout
		if snap.OpenReason == ReasonRateLimit {
			timeout = cfg.RateLimitTimeout
		}
		if remaining := timeout - b.clock.Now().Sub(snap.LastFailureAt); remaining > 0 {
			status.RetryAfter = remaining
		}
	}
	return status, nil
}

// Reset forces the breaker closed with zeroed counters.
func (b *Breaker) Reset(ctx context.Context) error {
	return b.store.Reset(ctx, b.provider)
}

func reasonFor(err error) OpenReason {
	if providerdomain.IsRateLimited(err) {
		return ReasonRateLimit
	}
	return ReasonFailures
}
