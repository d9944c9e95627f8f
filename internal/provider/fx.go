// Package provider wires the configured delivery provider connector.
package provider

import (
	"github.com/deinte/peppolsub/internal/config"
	identitydomain "github.com/deinte/peppolsub/internal/identity/domain"
	providerdomain "github.com/deinte/peppolsub/internal/provider/domain"
	"github.com/deinte/peppolsub/internal/provider/storecove"
	"go.uber.org/fx"
)

func NewClient(cfg config.Config) (*storecove.Client, error) {
	return storecove.New(cfg.Provider)
}

var Module = fx.Module("provider",
	fx.Provide(
		NewClient,
		func(c *storecove.Client) providerdomain.Provider { return c },
		func(c *storecove.Client) identitydomain.Resolver { return c },
	),
)
