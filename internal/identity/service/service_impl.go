package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/deinte/peppolsub/internal/clock"
	identitydomain "github.com/deinte/peppolsub/internal/identity/domain"
	"github.com/deinte/peppolsub/pkg/db/option"
	"github.com/deinte/peppolsub/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Resolver identitydomain.Resolver
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	resolver     identitydomain.Resolver
	identityrepo repository.Repository[identitydomain.RecipientIdentity]
}

func NewService(p ServiceParam) identitydomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("identity.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		resolver:     p.Resolver,
		identityrepo: repository.ProvideStore[identitydomain.RecipientIdentity](p.DB),
	}
}

// recheckInterval bounds how long a directory answer is trusted.
// Participants join and leave the network, so both positive and negative
// answers expire.
const recheckInterval = 30 * 24 * time.Hour

func (s *Service) Lookup(ctx context.Context, taxID, country string) (identitydomain.RecipientIdentity, error) {
	taxID = strings.TrimSpace(taxID)
	country = strings.ToUpper(strings.TrimSpace(country))

	filter := &identitydomain.RecipientIdentity{TaxID: taxID, Country: country}
	cutoff := s.clock.Now().Add(-recheckInterval)
	fresh, err := s.identityrepo.FindOne(ctx, filter,
		option.ApplyOperator(option.Condition{Field: "checked_at", Operator: option.GTE, Value: cutoff}),
		option.WithOrder("checked_at DESC"),
	)
	if err != nil {
		return identitydomain.RecipientIdentity{}, err
	}
	if fresh != nil {
		return *fresh, nil
	}

	resolved, err := s.resolver.Resolve(ctx, taxID, country)
	if err != nil {
		return identitydomain.RecipientIdentity{}, err
	}

	now := s.clock.Now()
	row := identitydomain.RecipientIdentity{
		ID:             s.genID.Generate(),
		TaxID:          taxID,
		Country:        country,
		FoundOnNetwork: resolved.FoundOnNetwork,
		CheckedAt:      now,
	}
	if resolved.NetworkAddress != "" {
		row.NetworkAddress = &resolved.NetworkAddress
	}
	if resolved.SchemeID != "" {
		row.SchemeID = &resolved.SchemeID
	}

	// The unique index keeps one row per tax id and country; a stale
	// answer is refreshed in place.
	stale, err := s.identityrepo.FindOne(ctx, filter, option.WithOrder("checked_at DESC"))
	if err != nil {
		return identitydomain.RecipientIdentity{}, err
	}
	if stale != nil {
		row.ID = stale.ID
		updates := map[string]any{
			"network_address":  row.NetworkAddress,
			"scheme_id":        row.SchemeID,
			"found_on_network": row.FoundOnNetwork,
			"checked_at":       now,
		}
		if err := s.identityrepo.Update(ctx, stale.ID.String(), updates); err != nil {
			return identitydomain.RecipientIdentity{}, err
		}
	} else if err := s.identityrepo.Create(ctx, &row); err != nil {
		return identitydomain.RecipientIdentity{}, err
	}
	s.log.Debug("identity resolved",
		zap.String("tax_id", taxID),
		zap.Bool("found_on_network", resolved.FoundOnNetwork),
	)
	return row, nil
}
