package domain

import (
	"context"
	"errors"
	"time"
)

// ScheduleDispatchRequest asks for a source invoice to be queued for delivery.
type ScheduleDispatchRequest struct {
	SourceType   string
	SourceID     string
	TaxID        string
	Country      string
	DispatchAt   *time.Time
	SkipDelivery bool
}

// BatchOutcome distinguishes how a batch run ended.
type BatchOutcome int

const (
	// OutcomeOK means the batch ran and every record succeeded.
	OutcomeOK BatchOutcome = iota
	// OutcomePartial means the batch completed but some records failed.
	OutcomePartial
	// OutcomeSkipped means the batch did no work because another run held
	// the lock.
	OutcomeSkipped
)

// BatchResult reports what a batch run did.
type BatchResult struct {
	Outcome   BatchOutcome
	Processed []string
	Failed    int
}

// Service drives invoice dispatch and reconciliation.
type Service interface {
	ScheduleDispatch(ctx context.Context, req ScheduleDispatchRequest) (InvoiceDispatch, error)
	Dispatch(ctx context.Context, dispatchID string) error
	DispatchDue(ctx context.Context, limit int, override bool) (BatchResult, error)
	PollDue(ctx context.Context, limit int, force, override bool) (BatchResult, error)
	Status(ctx context.Context, sourceType, sourceID string) (InvoiceDispatch, error)
	CountByState(ctx context.Context) (map[DispatchState]int64, error)
}

var (
	// ErrInvalidTransition marks a transition request outside the edge
	// table. It is a programming error, never retried.
	ErrInvalidTransition = errors.New("invalid_transition")
	// ErrRescheduleNotAllowed means the existing record is mid-flight or
	// terminal and must not be reset.
	ErrRescheduleNotAllowed = errors.New("reschedule_not_allowed")
	// ErrUnknownState rejects a write carrying a state outside the
	// declared lifecycle.
	ErrUnknownState      = errors.New("unknown_state")
	ErrDispatchNotFound  = errors.New("dispatch_not_found")
	ErrDuplicateDispatch = errors.New("duplicate_dispatch")
	ErrInvalidSourceRef  = errors.New("invalid_source_ref")
)
