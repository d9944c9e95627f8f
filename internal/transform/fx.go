package transform

import (
	"github.com/deinte/peppolsub/internal/config"
	"go.uber.org/fx"
)

// Module wires the HTTP payload source as the default Transformer.
// Applications embedding this service replace it with their own.
var Module = fx.Module("transform",
	fx.Provide(func(cfg config.Config) Transformer {
		return NewHTTPSource(cfg.SourcePayloadURL)
	}),
)
