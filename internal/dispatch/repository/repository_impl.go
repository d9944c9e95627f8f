// Package repository persists invoice dispatch records with the row-level
// locking the orchestrator and reconciliation loop depend on.
package repository

import (
	"context"
	"fmt"
	"time"

	dispatchdomain "github.com/deinte/peppolsub/internal/dispatch/domain"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// lockClause returns the row-locking suffix for the active dialect. SQLite
// serializes writers already and rejects FOR UPDATE syntax.
func (r *Repository) lockClause(skipLocked bool) string {
	if r.db.Dialector.Name() == "sqlite" {
		return ""
	}
	if skipLocked {
		return "FOR UPDATE SKIP LOCKED"
	}
	return "FOR UPDATE"
}

// FindBySourceForUpdate loads and row-locks the dispatch record for a source
// invoice inside the caller's transaction.
func (r *Repository) FindBySourceForUpdate(ctx context.Context, tx *gorm.DB, sourceType, sourceID string) (*dispatchdomain.InvoiceDispatch, error) {
	var records []dispatchdomain.InvoiceDispatch
	query := fmt.Sprintf(
		`SELECT * FROM invoice_dispatches
		 WHERE source_type = ? AND source_id = ? AND deleted_at IS NULL
		 LIMIT 1 %s`,
		r.lockClause(false),
	)
	if err := tx.WithContext(ctx).Raw(query, sourceType, sourceID).Scan(&records).Error; err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// FindByIDForUpdate loads and row-locks one record by id inside the caller's
// transaction.
func (r *Repository) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*dispatchdomain.InvoiceDispatch, error) {
	var records []dispatchdomain.InvoiceDispatch
	query := fmt.Sprintf(
		`SELECT * FROM invoice_dispatches
		 WHERE id = ? AND deleted_at IS NULL
		 LIMIT 1 %s`,
		r.lockClause(false),
	)
	if err := tx.WithContext(ctx).Raw(query, id).Scan(&records).Error; err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (r *Repository) FindByID(ctx context.Context, id int64) (*dispatchdomain.InvoiceDispatch, error) {
	return r.FindByIDForUpdate(ctx, r.db, id)
}

func (r *Repository) FindBySource(ctx context.Context, sourceType, sourceID string) (*dispatchdomain.InvoiceDispatch, error) {
	return r.FindBySourceForUpdate(ctx, r.db, sourceType, sourceID)
}

func (r *Repository) Create(ctx context.Context, tx *gorm.DB, record *dispatchdomain.InvoiceDispatch) error {
	if !record.State.Known() {
		return fmt.Errorf("%w: %q", dispatchdomain.ErrUnknownState, record.State)
	}
	return tx.WithContext(ctx).Create(record).Error
}

func (r *Repository) Save(ctx context.Context, tx *gorm.DB, record *dispatchdomain.InvoiceDispatch) error {
	if !record.State.Known() {
		return fmt.Errorf("%w: %q", dispatchdomain.ErrUnknownState, record.State)
	}
	return tx.WithContext(ctx).Save(record).Error
}

func (r *Repository) AppendActivity(ctx context.Context, tx *gorm.DB, entry *dispatchdomain.ActivityLog) error {
	return tx.WithContext(ctx).Create(entry).Error
}

func (r *Repository) ListActivity(ctx context.Context, dispatchID int64) ([]dispatchdomain.ActivityLog, error) {
	var entries []dispatchdomain.ActivityLog
	err := r.db.WithContext(ctx).
		Where("dispatch_id = ?", dispatchID).
		Order("occurred_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// ClaimDispatchDue selects and locks the batch of records due for a send
// attempt: schedulable state, scheduled/retry time reached (or unset), and
// attempt budget remaining.
func (r *Repository) ClaimDispatchDue(ctx context.Context, tx *gorm.DB, now time.Time, maxAttempts, limit int) ([]dispatchdomain.InvoiceDispatch, error) {
	var records []dispatchdomain.InvoiceDispatch
	query := fmt.Sprintf(
		`SELECT * FROM invoice_dispatches
		 WHERE state IN ?
		   AND deleted_at IS NULL
		   AND (scheduled_at IS NULL OR scheduled_at <= ?)
		   AND (next_retry_at IS NULL OR next_retry_at <= ?)
		   AND dispatch_attempts < ?
		 ORDER BY id
		 LIMIT ? %s`,
		r.lockClause(true),
	)
	err := tx.WithContext(ctx).Raw(query,
		dispatchdomain.DispatchEligible().Values(),
		now, now, maxAttempts, limit,
	).Scan(&records).Error
	return records, err
}

// ClaimPollDue selects and locks the batch of records awaiting a delivery
// status poll. Sentinel ids and skip-delivery records are unpollable by
// construction. Force mode drops the next_retry_at gate but still respects
// the attempt budget.
func (r *Repository) ClaimPollDue(ctx context.Context, tx *gorm.DB, now time.Time, maxAttempts, limit int, force bool) ([]dispatchdomain.InvoiceDispatch, error) {
	var records []dispatchdomain.InvoiceDispatch

	retryGate := "AND (next_retry_at IS NULL OR next_retry_at <= ?)"
	args := []any{
		dispatchdomain.NeedsPolling().Values(),
		dispatchdomain.SentinelPrefix + "%",
	}
	if force {
		retryGate = ""
	} else {
		args = append(args, now)
	}
	args = append(args, maxAttempts, limit)

	query := fmt.Sprintf(
		`SELECT * FROM invoice_dispatches
		 WHERE state IN ?
		   AND deleted_at IS NULL
		   AND provider_invoice_id IS NOT NULL
		   AND provider_invoice_id NOT LIKE ?
		   AND skip_delivery = false
		   %s
		   AND poll_attempts < ?
		 ORDER BY id
		 LIMIT ? %s`,
		retryGate,
		r.lockClause(true),
	)
	err := tx.WithContext(ctx).Raw(query, args...).Scan(&records).Error
	return records, err
}

// CountByState aggregates non-deleted records per lifecycle state.
func (r *Repository) CountByState(ctx context.Context) (map[dispatchdomain.DispatchState]int64, error) {
	type row struct {
		State dispatchdomain.DispatchState
		Total int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&dispatchdomain.InvoiceDispatch{}).
		Select("state, COUNT(*) AS total").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[dispatchdomain.DispatchState]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Total
	}
	return counts, nil
}
