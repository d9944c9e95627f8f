package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/deinte/peppolsub/internal/breaker"
	"github.com/deinte/peppolsub/internal/clock"
	"github.com/deinte/peppolsub/internal/config"
	dispatchdomain "github.com/deinte/peppolsub/internal/dispatch/domain"
	dispatchrepo "github.com/deinte/peppolsub/internal/dispatch/repository"
	"github.com/deinte/peppolsub/internal/dispatch/retry"
	"github.com/deinte/peppolsub/internal/observability/metrics"
	providerdomain "github.com/deinte/peppolsub/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const actorReconciler = "reconciler"

// Poller reconciles one dispatch record against the provider's view.
type Poller interface {
	Poll(ctx context.Context, dispatchID int64) (dispatchdomain.DispatchState, error)
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     *dispatchrepo.Repository
	Provider providerdomain.Provider
	Breaker  *breaker.Breaker
	Metrics  *metrics.Metrics `optional:"true"`
	Config   config.Config
	Tuning   *config.TuningConfigHolder
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     *dispatchrepo.Repository
	provider providerdomain.Provider
	breaker  *breaker.Breaker
	metrics  *metrics.Metrics
	provName string
	cfg      config.DispatchConfig
	tuning   *config.TuningConfigHolder
}

func NewService(p ServiceParam) Poller {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("reconciliation.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		provider: p.Provider,
		breaker:  p.Breaker,
		metrics:  p.Metrics,
		provName: p.Config.Provider.Name,
		cfg:      p.Config.Dispatch,
		tuning:   p.Tuning,
	}
}

// Poll is idempotent and safe to call redundantly. Records carrying the
// sentinel provider id, or in a state with no possible provider update,
// are returned as-is. Delivered records stay pollable so that a late
// accept or reject from the recipient still lands.
// A breaker-open rejection leaves the poll attempt budget untouched: the
// breaker refusing work is not the provider answering.
func (s *Service) Poll(ctx context.Context, dispatchID int64) (dispatchdomain.DispatchState, error) {
	var resultState dispatchdomain.DispatchState

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.repo.FindByIDForUpdate(ctx, tx, dispatchID)
		if err != nil {
			return err
		}
		if record == nil {
			return dispatchdomain.ErrDispatchNotFound
		}

		resultState = record.State
		pollable := record.State.ShouldPoll() || record.State == dispatchdomain.StateDelivered
		if record.HasSentinelID() || !pollable || !record.HasProviderID() {
			return nil
		}

		state, err := s.pollLocked(ctx, tx, record)
		if err != nil {
			return err
		}
		resultState = state
		return nil
	})
	return resultState, err
}

func (s *Service) pollLocked(ctx context.Context, tx *gorm.DB, record *dispatchdomain.InvoiceDispatch) (dispatchdomain.DispatchState, error) {
	now := s.clock.Now()

	var result providerdomain.StatusResult
	callErr := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.provider.GetStatus(ctx, *record.ProviderInvoiceID)
		return err
	})

	if callErr != nil {
		if errors.Is(callErr, breaker.ErrCircuitOpen) {
			return record.State, callErr
		}
		// A transport-level failure is presumed transient; it consumes a
		// poll attempt like a provider-internal answer does.
		s.recordPollError(record, now, callErr)
		if err := s.repo.Save(ctx, tx, record); err != nil {
			return record.State, err
		}
		return record.State, nil
	}

	category := Classify(result)
	mapped := StateFor(category)

	previous := record.State
	if mapped != previous {
		if !dispatchdomain.CanTransition(previous, mapped) {
			if previous == dispatchdomain.StateDelivered {
				// A delivered record only moves on a recipient accept or
				// reject. Any other answer is stale and changes nothing.
				return previous, nil
			}
			return previous, fmt.Errorf("%w: %s -> %s", dispatchdomain.ErrInvalidTransition, previous, mapped)
		}
		record.State = mapped
	}

	message := statusMessage(category, result)
	if category == CategoryProviderInternal {
		record.LastErrorMessage = &message
	}

	if record.State.ShouldPoll() {
		record.PollAttempts++
		if record.PollAttempts >= s.cfg.MaxPollAttempts {
			// Attempt budget exhausted without a terminal answer. The
			// record stays non-final for operator attention; no further
			// polls are scheduled.
			record.NextRetryAt = nil
		} else {
			next := s.pollSchedule().NextRetryAt(now, record.PollAttempts)
			record.NextRetryAt = &next
		}
	} else {
		record.NextRetryAt = nil
		if record.State.IsFinal() && record.CompletedAt == nil {
			record.CompletedAt = &now
		}
	}

	if err := s.repo.Save(ctx, tx, record); err != nil {
		return previous, err
	}

	// Every poll is audit-worthy, including a no-change Polling answer:
	// the heartbeat distinguishes "not polled" from "polled, no change".
	entry := &dispatchdomain.ActivityLog{
		ID:         s.genID.Generate(),
		DispatchID: record.ID,
		FromState:  &previous,
		ToState:    record.State,
		Message:    message,
		Actor:      actorReconciler,
		OccurredAt: now,
		Metadata: datatypes.JSONMap{
			"category":      string(category),
			"poll_attempts": record.PollAttempts,
		},
	}
	if err := s.repo.AppendActivity(ctx, tx, entry); err != nil {
		return record.State, err
	}

	if s.metrics != nil {
		s.metrics.RecordPollAttempt(ctx, s.provName, string(category))
	}
	s.log.Debug("poll applied",
		zap.Int64("dispatch_id", int64(record.ID)),
		zap.String("category", string(category)),
		zap.String("state", string(record.State)),
	)
	return record.State, nil
}

func (s *Service) recordPollError(record *dispatchdomain.InvoiceDispatch, now time.Time, err error) {
	msg := err.Error()
	record.LastErrorMessage = &msg
	record.LastErrorDetails = datatypes.JSONMap(providerdomain.ErrorDetails(err))
	record.PollAttempts++
	if record.PollAttempts >= s.cfg.MaxPollAttempts {
		record.NextRetryAt = nil
	} else {
		next := s.pollSchedule().NextRetryAt(now, record.PollAttempts)
		record.NextRetryAt = &next
	}
}

func (s *Service) pollSchedule() retry.Schedule {
	return retry.NewSchedule(s.tuning.Get().PollBackoff)
}

func statusMessage(category Category, result providerdomain.StatusResult) string {
	switch category {
	case CategoryRecipientUnreachable:
		return "recipient unreachable on network, invoice stored at provider"
	case CategoryProviderInternal:
		if result.Message != "" {
			return "provider internal error: " + result.Message
		}
		return "provider internal error"
	case CategoryUnclassified:
		if result.Status != "" {
			return "unclassified provider status: " + result.Status
		}
		return "unclassified provider status"
	default:
		if result.Message != "" {
			return result.Message
		}
		return "provider status: " + string(category)
	}
}
