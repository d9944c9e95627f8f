// Package domain contains the recipient network-identity lookup contract.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// RecipientIdentity caches one network-identity lookup result.
type RecipientIdentity struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	TaxID          string       `gorm:"type:text;not null;index:ix_identity_tax,unique"`
	Country        string       `gorm:"type:text;not null;index:ix_identity_tax,unique"`
	NetworkAddress *string      `gorm:"type:text"`
	SchemeID       *string      `gorm:"type:text"`
	FoundOnNetwork bool         `gorm:"not null;default:false"`
	CheckedAt      time.Time    `gorm:"not null"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RecipientIdentity) TableName() string { return "recipient_identities" }

// Identity is a resolver answer.
type Identity struct {
	NetworkAddress string
	SchemeID       string
	FoundOnNetwork bool
}

// Resolver looks a tax identifier up on the delivery network. Supplied by
// the application; results are cached by this module, not by the resolver.
type Resolver interface {
	Resolve(ctx context.Context, taxID, country string) (Identity, error)
}

// Service returns the cached identity for a recipient, resolving and
// storing it on a miss.
type Service interface {
	Lookup(ctx context.Context, taxID, country string) (RecipientIdentity, error)
}
