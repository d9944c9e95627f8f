// Package reconciliation polls the delivery provider for invoices awaiting
// confirmation and maps its status vocabulary onto the dispatch lifecycle.
package reconciliation

import (
	"strings"

	dispatchdomain "github.com/deinte/peppolsub/internal/dispatch/domain"
	providerdomain "github.com/deinte/peppolsub/internal/provider/domain"
)

// Category is the closed set of provider status classifications.
type Category string

const (
	CategoryDelivered            Category = "delivered"
	CategoryAccepted             Category = "accepted"
	CategoryRejected             Category = "rejected"
	CategoryRecipientUnreachable Category = "recipient_unreachable"
	CategoryProviderInternal     Category = "provider_internal_error"
	CategoryPending              Category = "pending"
	CategoryUnclassified         Category = "unclassified"
)

// Free-text patterns the provider emits when the receiver is not reachable
// over the network. Matched case-insensitively as substrings.
var recipientUnreachablePatterns = []string{
	"does not support any document type",
	"is not registered on the network",
	"receiver not found on peppol",
	"no peppol capability",
}

var providerInternalPatterns = []string{
	"internal server error",
	"internal error",
	"temporarily unavailable",
}

// Classify maps one provider status answer onto the closed category set.
// Structural flags win over status text, and free-text matching is confined
// here rather than scattered across call sites.
func Classify(result providerdomain.StatusResult) Category {
	if result.RecipientUnreachable || matchesAny(result.Message, recipientUnreachablePatterns) {
		return CategoryRecipientUnreachable
	}
	if result.ProviderInternalError || matchesAny(result.Message, providerInternalPatterns) {
		return CategoryProviderInternal
	}

	switch strings.ToLower(strings.TrimSpace(result.Status)) {
	case "delivered", "send_success":
		return CategoryDelivered
	case "accepted", "approved":
		return CategoryAccepted
	case "rejected", "denied":
		return CategoryRejected
	case "pending", "queued", "processing", "sending", "received":
		return CategoryPending
	case "":
		return CategoryUnclassified
	default:
		return CategoryUnclassified
	}
}

// StateFor maps a category onto the lifecycle state the record should hold.
// Recipient-unreachable is a success: the provider stores the invoice
// durably even though network forwarding did not happen. Provider-internal
// errors and unclassified answers are presumed transient and keep polling.
func StateFor(category Category) dispatchdomain.DispatchState {
	switch category {
	case CategoryDelivered:
		return dispatchdomain.StateDelivered
	case CategoryAccepted:
		return dispatchdomain.StateAccepted
	case CategoryRejected:
		return dispatchdomain.StateRejected
	case CategoryRecipientUnreachable:
		return dispatchdomain.StateStored
	default:
		return dispatchdomain.StatePolling
	}
}

func matchesAny(message string, patterns []string) bool {
	if message == "" {
		return false
	}
	lowered := strings.ToLower(message)
	for _, pattern := range patterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}
