// Package service orchestrates the invoice dispatch lifecycle: scheduling,
// send attempts, and the batch entrypoints the scheduler and operator API
// drive.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/deinte/peppolsub/internal/batchlock"
	"github.com/deinte/peppolsub/internal/breaker"
	"github.com/deinte/peppolsub/internal/clock"
	"github.com/deinte/peppolsub/internal/config"
	dispatchdomain "github.com/deinte/peppolsub/internal/dispatch/domain"
	dispatchrepo "github.com/deinte/peppolsub/internal/dispatch/repository"
	"github.com/deinte/peppolsub/internal/dispatch/retry"
	identitydomain "github.com/deinte/peppolsub/internal/identity/domain"
	"github.com/deinte/peppolsub/internal/observability/metrics"
	providerdomain "github.com/deinte/peppolsub/internal/provider/domain"
	"github.com/deinte/peppolsub/internal/reconciliation"
	"github.com/deinte/peppolsub/internal/transform"
	"github.com/deinte/peppolsub/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	actorScheduler  = "scheduler"
	actorDispatcher = "dispatcher"

	dispatchLockKey = "peppolsub:batch:dispatch"
	pollLockKey     = "peppolsub:batch:poll"
)

// batchLocker is the mutual exclusion contract runBatch needs. Satisfied by
// *batchlock.Locker, including its nil no-lock form.
type batchLocker interface {
	Run(ctx context.Context, key string, ttl time.Duration, override bool, fn func(ctx context.Context) error) error
}

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        *dispatchrepo.Repository
	Identity    identitydomain.Service
	Transformer transform.Transformer
	Provider    providerdomain.Provider
	Breaker     *breaker.Breaker
	Poller      reconciliation.Poller
	Locker      *batchlock.Locker `optional:"true"`
	Metrics     *metrics.Metrics  `optional:"true"`
	Config      config.Config
	Tuning      *config.TuningConfigHolder
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        *dispatchrepo.Repository
	identity    identitydomain.Service
	transformer transform.Transformer
	provider    providerdomain.Provider
	breaker     *breaker.Breaker
	poller      reconciliation.Poller
	locker      batchLocker
	metrics     *metrics.Metrics
	cfg         config.Config
	tuning      *config.TuningConfigHolder
}

func NewService(p ServiceParam) dispatchdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("dispatch.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		identity:    p.Identity,
		transformer: p.Transformer,
		provider:    p.Provider,
		breaker:     p.Breaker,
		poller:      p.Poller,
		locker:      p.Locker,
		metrics:     p.Metrics,
		cfg:         p.Config,
		tuning:      p.Tuning,
	}
}

// ScheduleDispatch queues a source invoice for delivery. An existing record
// is reset only from a reschedulable state; anything mid-flight or terminal
// is refused. With no initial delay configured and no explicit time given,
// the send runs synchronously so immediate and delayed dispatch share one
// path differing only in the computed schedule time.
func (s *Service) ScheduleDispatch(ctx context.Context, req dispatchdomain.ScheduleDispatchRequest) (dispatchdomain.InvoiceDispatch, error) {
	req.SourceType = strings.TrimSpace(req.SourceType)
	req.SourceID = strings.TrimSpace(req.SourceID)
	if req.SourceType == "" || req.SourceID == "" {
		return dispatchdomain.InvoiceDispatch{}, dispatchdomain.ErrInvalidSourceRef
	}

	now := s.clock.Now()

	skipDelivery := req.SkipDelivery
	var identityID *snowflake.ID
	if strings.TrimSpace(req.TaxID) != "" {
		identity, err := s.identity.Lookup(ctx, req.TaxID, req.Country)
		if err != nil {
			return dispatchdomain.InvoiceDispatch{}, fmt.Errorf("identity lookup: %w", err)
		}
		identityID = &identity.ID
		if !identity.FoundOnNetwork {
			skipDelivery = true
		}
	} else {
		// No recipient identity to resolve. The invoice can still be
		// stored at the provider but never forwarded on the network.
		skipDelivery = true
	}

	scheduledAt := now.AddDate(0, 0, s.cfg.Dispatch.InitialDelayDays)
	immediate := req.DispatchAt == nil && s.cfg.Dispatch.InitialDelayDays == 0
	if req.DispatchAt != nil {
		scheduledAt = *req.DispatchAt
	}

	var record dispatchdomain.InvoiceDispatch
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindBySourceForUpdate(ctx, tx, req.SourceType, req.SourceID)
		if err != nil {
			return err
		}

		if existing != nil {
			if !existing.State.CanReschedule() {
				return fmt.Errorf("%w: state %s", dispatchdomain.ErrRescheduleNotAllowed, existing.State)
			}
			previous := existing.State
			existing.State = dispatchdomain.StateScheduled
			existing.RecipientIdentityID = identityID
			existing.SkipDelivery = skipDelivery
			existing.ScheduledAt = &scheduledAt
			existing.DispatchAttempts = 0
			existing.NextRetryAt = nil
			existing.LastErrorMessage = nil
			existing.LastErrorDetails = nil
			if err := s.repo.Save(ctx, tx, existing); err != nil {
				return err
			}
			record = *existing
			return s.appendActivity(ctx, tx, existing.ID, &previous, dispatchdomain.StateScheduled,
				"rescheduled for dispatch", actorScheduler, nil, now)
		}

		record = dispatchdomain.InvoiceDispatch{
			ID:                  s.genID.Generate(),
			SourceType:          req.SourceType,
			SourceID:            req.SourceID,
			RecipientIdentityID: identityID,
			State:               dispatchdomain.StateScheduled,
			SkipDelivery:        skipDelivery,
			ScheduledAt:         &scheduledAt,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := s.repo.Create(ctx, tx, &record); err != nil {
			if db.IsDuplicateKeyErr(err) {
				// A concurrent scheduler won the insert race for this
				// source.
				return dispatchdomain.ErrDuplicateDispatch
			}
			return err
		}
		return s.appendActivity(ctx, tx, record.ID, nil, dispatchdomain.StateScheduled,
			"scheduled for dispatch", actorScheduler, nil, now)
	})
	if err != nil {
		return dispatchdomain.InvoiceDispatch{}, err
	}

	if immediate {
		if err := s.Dispatch(ctx, record.ID.String()); err != nil {
			// The record is scheduled and will be retried by the batch
			// runner. Only the synchronous fast path is lost.
			s.log.Warn("synchronous dispatch failed",
				zap.Int64("dispatch_id", int64(record.ID)),
				zap.Error(err),
			)
		}
		if refreshed, ferr := s.repo.FindByID(ctx, int64(record.ID)); ferr == nil && refreshed != nil {
			record = *refreshed
		}
	}

	return record, nil
}

// Dispatch runs one send attempt for a record. It is re-entrant: a record
// that already reached the provider is never sent twice. Provider failures
// are absorbed onto the record itself; the batch runner picks the record up
// again via nextRetryAt rather than any job-level retry.
func (s *Service) Dispatch(ctx context.Context, dispatchID string) error {
	id, err := snowflake.ParseString(strings.TrimSpace(dispatchID))
	if err != nil {
		return fmt.Errorf("%w: %s", dispatchdomain.ErrDispatchNotFound, dispatchID)
	}

	var delegateToPoll bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.repo.FindByIDForUpdate(ctx, tx, int64(id))
		if err != nil {
			return err
		}
		if record == nil {
			return dispatchdomain.ErrDispatchNotFound
		}

		if record.HasSentinelID() {
			// Provider confirmed receipt without a trackable id. Nothing
			// to resend, nothing to poll.
			return nil
		}
		if record.HasProviderID() {
			// Already sent by a prior attempt that did not finish its
			// bookkeeping. Recheck status instead of resending.
			delegateToPoll = true
			return nil
		}
		if record.State != dispatchdomain.StateScheduled && !record.State.CanRetryDispatch() {
			return nil
		}

		return s.sendLocked(ctx, tx, record)
	})
	if err != nil {
		return err
	}

	if delegateToPoll {
		_, err := s.poller.Poll(ctx, int64(id))
		return err
	}
	return nil
}

// sendLocked performs one provider send for a row-locked record. A breaker
// rejection returns an error and rolls back the whole attempt, leaving the
// attempt budget untouched; the breaker refusing work is not the provider
// rejecting the invoice.
func (s *Service) sendLocked(ctx context.Context, tx *gorm.DB, record *dispatchdomain.InvoiceDispatch) error {
	now := s.clock.Now()
	previous := record.State

	if !dispatchdomain.CanTransition(previous, dispatchdomain.StateSending) {
		return fmt.Errorf("%w: %s -> %s", dispatchdomain.ErrInvalidTransition, previous, dispatchdomain.StateSending)
	}
	record.State = dispatchdomain.StateSending
	record.DispatchAttempts++
	if err := s.repo.Save(ctx, tx, record); err != nil {
		return err
	}
	if err := s.appendActivity(ctx, tx, record.ID, &previous, dispatchdomain.StateSending,
		"send attempt started", actorDispatcher,
		datatypes.JSONMap{"dispatch_attempts": record.DispatchAttempts}, now); err != nil {
		return err
	}

	var result providerdomain.SendResult
	sendErr := s.breaker.Execute(ctx, func(ctx context.Context) error {
		payload, err := s.transformer.Transform(ctx, record.SourceType, record.SourceID)
		if err != nil {
			return err
		}
		var sendErr error
		result, sendErr = s.provider.Send(ctx, payload)
		return sendErr
	})

	if sendErr == nil {
		return s.completeSend(ctx, tx, record, result.ProviderInvoiceID, now)
	}

	if errors.Is(sendErr, breaker.ErrCircuitOpen) {
		s.recordEvent(ctx, "breaker_rejected")
		return sendErr
	}

	var exists *providerdomain.AlreadyExistsError
	if errors.As(sendErr, &exists) {
		// The provider already holds this invoice from a prior attempt.
		// Success, not failure; the sentinel marks it unpollable.
		return s.completeSend(ctx, tx, record, dispatchdomain.SentinelPrefix+exists.InvoiceNumber, now)
	}

	return s.recordSendFailure(ctx, tx, record, sendErr, now)
}

func (s *Service) completeSend(ctx context.Context, tx *gorm.DB, record *dispatchdomain.InvoiceDispatch, providerInvoiceID string, now time.Time) error {
	target := dispatchdomain.StateSent
	message := "sent to provider"
	if record.SkipDelivery || strings.HasPrefix(providerInvoiceID, dispatchdomain.SentinelPrefix) {
		// Either nothing to forward on the network, or the provider gave
		// no trackable id. Both end delivery tracking here.
		target = dispatchdomain.StateStored
		message = "stored at provider"
	}
	if !dispatchdomain.CanTransition(record.State, target) {
		return fmt.Errorf("%w: %s -> %s", dispatchdomain.ErrInvalidTransition, record.State, target)
	}

	previous := record.State
	record.State = target
	record.ProviderInvoiceID = &providerInvoiceID
	record.SentAt = &now
	record.NextRetryAt = nil
	record.LastErrorMessage = nil
	record.LastErrorDetails = nil
	if target.IsFinal() {
		record.CompletedAt = &now
	}
	if err := s.repo.Save(ctx, tx, record); err != nil {
		return err
	}

	s.recordAttempt(ctx, target)
	return s.appendActivity(ctx, tx, record.ID, &previous, target, message, actorDispatcher,
		datatypes.JSONMap{"provider_invoice_id": providerInvoiceID}, now)
}

func (s *Service) recordSendFailure(ctx context.Context, tx *gorm.DB, record *dispatchdomain.InvoiceDispatch, sendErr error, now time.Time) error {
	target := dispatchdomain.StateSendFailed
	message := "send attempt failed"
	if record.DispatchAttempts >= s.cfg.Dispatch.MaxDispatchAttempts {
		target = dispatchdomain.StateFailed
		message = "send attempts exhausted"
	}
	if !dispatchdomain.CanTransition(record.State, target) {
		return fmt.Errorf("%w: %s -> %s", dispatchdomain.ErrInvalidTransition, record.State, target)
	}

	previous := record.State
	record.State = target
	msg := sendErr.Error()
	record.LastErrorMessage = &msg
	record.LastErrorDetails = datatypes.JSONMap(providerdomain.ErrorDetails(sendErr))
	if target == dispatchdomain.StateFailed {
		record.NextRetryAt = nil
		record.CompletedAt = &now
	} else {
		next := s.dispatchSchedule().NextRetryAt(now, record.DispatchAttempts)
		record.NextRetryAt = &next
	}
	if err := s.repo.Save(ctx, tx, record); err != nil {
		return err
	}

	s.log.Warn("send attempt failed",
		zap.Int64("dispatch_id", int64(record.ID)),
		zap.Int("dispatch_attempts", record.DispatchAttempts),
		zap.String("state", string(target)),
		zap.Error(sendErr),
	)
	s.recordAttempt(ctx, target)
	return s.appendActivity(ctx, tx, record.ID, &previous, target, message, actorDispatcher,
		datatypes.JSONMap{"error": msg, "dispatch_attempts": record.DispatchAttempts}, now)
}

// DispatchDue claims and sends the batch of records due for a send attempt.
// Lock contention is not an error; the batch reports it did no work. The
// override flag bypasses the batch lock for manual operator runs.
func (s *Service) DispatchDue(ctx context.Context, limit int, override bool) (dispatchdomain.BatchResult, error) {
	if limit <= 0 {
		limit = s.cfg.Dispatch.DispatchBatchSize
	}

	claim := func(ctx context.Context, tx *gorm.DB, now time.Time) ([]dispatchdomain.InvoiceDispatch, error) {
		return s.repo.ClaimDispatchDue(ctx, tx, now, s.cfg.Dispatch.MaxDispatchAttempts, limit)
	}
	process := func(ctx context.Context, id int64) error {
		return s.Dispatch(ctx, snowflake.ID(id).String())
	}
	return s.runBatch(ctx, "dispatch", dispatchLockKey, s.cfg.Dispatch.DispatchLockTTL, override, claim, process)
}

// PollDue claims and polls the batch of records awaiting delivery status.
// Force mode drops the nextRetryAt gate for manual runs but still respects
// the poll attempt budget; override additionally bypasses the batch lock.
func (s *Service) PollDue(ctx context.Context, limit int, force, override bool) (dispatchdomain.BatchResult, error) {
	if limit <= 0 {
		limit = s.cfg.Dispatch.PollBatchSize
	}

	claim := func(ctx context.Context, tx *gorm.DB, now time.Time) ([]dispatchdomain.InvoiceDispatch, error) {
		return s.repo.ClaimPollDue(ctx, tx, now, s.cfg.Dispatch.MaxPollAttempts, limit, force)
	}
	process := func(ctx context.Context, id int64) error {
		_, err := s.poller.Poll(ctx, id)
		return err
	}
	return s.runBatch(ctx, "poll", pollLockKey, s.cfg.Dispatch.PollLockTTL, override, claim, process)
}

func (s *Service) runBatch(
	ctx context.Context,
	name, lockKey string,
	lockTTL time.Duration,
	override bool,
	claim func(ctx context.Context, tx *gorm.DB, now time.Time) ([]dispatchdomain.InvoiceDispatch, error),
	process func(ctx context.Context, id int64) error,
) (dispatchdomain.BatchResult, error) {
	var result dispatchdomain.BatchResult
	start := s.clock.Now()

	runErr := s.locker.Run(ctx, lockKey, lockTTL, override, func(ctx context.Context) error {
		var claimed []dispatchdomain.InvoiceDispatch
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			claimed, err = claim(ctx, tx, s.clock.Now())
			return err
		})
		if err != nil {
			return err
		}

		var errs error
		for _, record := range claimed {
			if err := process(ctx, int64(record.ID)); err != nil {
				result.Failed++
				errs = errors.Join(errs, fmt.Errorf("dispatch %s: %w", record.ID, err))
				if errors.Is(err, breaker.ErrCircuitOpen) {
					// Every remaining record would be rejected too.
					s.log.Warn("circuit open, stopping batch early",
						zap.String("batch", name),
						zap.Int("remaining", len(claimed)-len(result.Processed)-result.Failed),
					)
					break
				}
				continue
			}
			result.Processed = append(result.Processed, record.ID.String())
		}
		return errs
	})

	elapsed := s.clock.Now().Sub(start)

	if errors.Is(runErr, batchlock.ErrLockHeld) {
		result.Outcome = dispatchdomain.OutcomeSkipped
		s.log.Info("batch skipped, lock held elsewhere", zap.String("batch", name))
		s.recordBatch(ctx, name, "skipped", elapsed)
		return result, nil
	}

	if result.Failed > 0 || runErr != nil {
		result.Outcome = dispatchdomain.OutcomePartial
		s.recordBatch(ctx, name, "partial", elapsed)
		s.log.Warn("batch completed with failures",
			zap.String("batch", name),
			zap.Int("processed", len(result.Processed)),
			zap.Int("failed", result.Failed),
			zap.Error(runErr),
		)
		return result, runErr
	}

	result.Outcome = dispatchdomain.OutcomeOK
	s.recordBatch(ctx, name, "ok", elapsed)
	s.log.Info("batch completed",
		zap.String("batch", name),
		zap.Int("processed", len(result.Processed)),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

// Status returns the dispatch record for a source invoice.
func (s *Service) Status(ctx context.Context, sourceType, sourceID string) (dispatchdomain.InvoiceDispatch, error) {
	record, err := s.repo.FindBySource(ctx, strings.TrimSpace(sourceType), strings.TrimSpace(sourceID))
	if err != nil {
		return dispatchdomain.InvoiceDispatch{}, err
	}
	if record == nil {
		return dispatchdomain.InvoiceDispatch{}, dispatchdomain.ErrDispatchNotFound
	}
	return *record, nil
}

func (s *Service) CountByState(ctx context.Context) (map[dispatchdomain.DispatchState]int64, error) {
	return s.repo.CountByState(ctx)
}

func (s *Service) appendActivity(ctx context.Context, tx *gorm.DB, dispatchID snowflake.ID, from *dispatchdomain.DispatchState, to dispatchdomain.DispatchState, message, actor string, metadata datatypes.JSONMap, now time.Time) error {
	return s.repo.AppendActivity(ctx, tx, &dispatchdomain.ActivityLog{
		ID:         s.genID.Generate(),
		DispatchID: dispatchID,
		FromState:  from,
		ToState:    to,
		Message:    message,
		Actor:      actor,
		Metadata:   metadata,
		OccurredAt: now,
	})
}

func (s *Service) dispatchSchedule() retry.Schedule {
	return retry.NewSchedule(s.tuning.Get().DispatchBackoff)
}

func (s *Service) recordAttempt(ctx context.Context, state dispatchdomain.DispatchState) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordDispatchAttempt(ctx, s.cfg.Provider.Name, string(state))
}

func (s *Service) recordEvent(ctx context.Context, event string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordBreakerEvent(ctx, s.cfg.Provider.Name, event)
}

func (s *Service) recordBatch(ctx context.Context, batch, outcome string, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordBatchRun(ctx, batch, outcome, elapsed)
}
