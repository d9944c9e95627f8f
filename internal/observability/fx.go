package observability

import (
	"github.com/deinte/peppolsub/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadMetricsConfig,
		metrics.NewProvider,
		metrics.New,
	),
)
