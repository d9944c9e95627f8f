package dispatch

import (
	"github.com/deinte/peppolsub/internal/dispatch/repository"
	"github.com/deinte/peppolsub/internal/dispatch/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dispatch.service",
	fx.Provide(
		repository.NewRepository,
		service.NewService,
	),
)
