// Package domain contains persistence models for invoice dispatching.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SentinelPrefix marks a provider invoice id that the provider confirmed
// receiving but for which it issued no trackable identifier. Records carrying
// it are unpollable by construction.
const SentinelPrefix = "existing:"

// InvoiceDispatch tracks one source invoice through the delivery lifecycle.
// At most one non-deleted record exists per (source_type, source_id).
type InvoiceDispatch struct {
	ID                  snowflake.ID      `gorm:"primaryKey"`
	SourceType          string            `gorm:"type:text;not null;index:ix_dispatch_source,unique,where:deleted_at IS NULL"`
	SourceID            string            `gorm:"type:text;not null;index:ix_dispatch_source,unique,where:deleted_at IS NULL"`
	RecipientIdentityID *snowflake.ID     `gorm:"index"`
	State               DispatchState     `gorm:"type:text;not null;default:'SCHEDULED';index"`
	ProviderInvoiceID   *string           `gorm:"type:text"`
	SkipDelivery        bool              `gorm:"not null;default:false"`
	DispatchAttempts    int               `gorm:"not null;default:0"`
	PollAttempts        int               `gorm:"not null;default:0"`
	ScheduledAt         *time.Time        `gorm:""`
	NextRetryAt         *time.Time        `gorm:"index"`
	SentAt              *time.Time        `gorm:""`
	CompletedAt         *time.Time        `gorm:""`
	LastErrorMessage    *string           `gorm:"type:text"`
	LastErrorDetails    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	DeletedAt           gorm.DeletedAt    `gorm:"index"`
}

// TableName sets the database table name.
func (InvoiceDispatch) TableName() string { return "invoice_dispatches" }

// HasSentinelID reports whether the provider invoice id carries the
// "existing:" placeholder.
func (d InvoiceDispatch) HasSentinelID() bool {
	return d.ProviderInvoiceID != nil && strings.HasPrefix(*d.ProviderInvoiceID, SentinelPrefix)
}

// HasProviderID reports whether a trackable provider invoice id is set.
func (d InvoiceDispatch) HasProviderID() bool {
	return d.ProviderInvoiceID != nil && *d.ProviderInvoiceID != "" && !d.HasSentinelID()
}

// ActivityLog is an append-only record of one lifecycle transition,
// including repeated no-change polls. Never mutated after creation.
type ActivityLog struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	DispatchID snowflake.ID      `gorm:"not null;index"`
	FromState  *DispatchState    `gorm:"type:text"`
	ToState    DispatchState     `gorm:"type:text;not null"`
	Message    string            `gorm:"type:text"`
	Actor      string            `gorm:"type:text;not null"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	OccurredAt time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (ActivityLog) TableName() string { return "dispatch_activity_logs" }
