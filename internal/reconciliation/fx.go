package reconciliation

import (
	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation.service",
	fx.Provide(NewService),
)
