package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/deinte/peppolsub/internal/batchlock"
	"github.com/deinte/peppolsub/internal/breaker"
	"github.com/deinte/peppolsub/internal/clock"
	"github.com/deinte/peppolsub/internal/config"
	"github.com/deinte/peppolsub/internal/dispatch"
	"github.com/deinte/peppolsub/internal/identity"
	"github.com/deinte/peppolsub/internal/logger"
	"github.com/deinte/peppolsub/internal/migration"
	"github.com/deinte/peppolsub/internal/observability"
	"github.com/deinte/peppolsub/internal/provider"
	"github.com/deinte/peppolsub/internal/reconciliation"
	"github.com/deinte/peppolsub/internal/server"
	"github.com/deinte/peppolsub/internal/transform"
	"github.com/deinte/peppolsub/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		batchlock.Module,
		migration.Module,

		// Domain services
		provider.Module,
		transform.Module,
		identity.Module,
		breaker.Module,
		reconciliation.Module,
		dispatch.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
