// Package transform defines the caller-supplied conversion from an opaque
// application invoice into the network-neutral payload the provider accepts.
package transform

import (
	"context"

	providerdomain "github.com/deinte/peppolsub/internal/provider/domain"
)

// Transformer builds the provider payload for a source invoice reference.
// The application supplies the implementation; this core only carries the
// opaque (sourceType, sourceID) pair.
type Transformer interface {
	Transform(ctx context.Context, sourceType, sourceID string) (providerdomain.InvoicePayload, error)
}

// TransformerFunc adapts a function to the Transformer interface.
type TransformerFunc func(ctx context.Context, sourceType, sourceID string) (providerdomain.InvoicePayload, error)

func (f TransformerFunc) Transform(ctx context.Context, sourceType, sourceID string) (providerdomain.InvoicePayload, error) {
	return f(ctx, sourceType, sourceID)
}
