// Package domain defines the delivery provider port: the contract any
// e-invoicing network intermediary must satisfy.
package domain

import (
	"context"
	"errors"
	"time"
)

// InvoicePayload is the network-neutral invoice document submitted to the
// provider. Building it from an application invoice is the transformer's job.
type InvoicePayload struct {
	InvoiceNumber  string
	IssueDate      time.Time
	DueDate        *time.Time
	SenderTaxID    string
	SenderCountry  string
	ReceiverTaxID  string
	ReceiverEAS    string
	CurrencyCode   string
	TotalAmount    int64
	TaxAmount      int64
	DocumentLines  []InvoiceLine
	AttachmentPDF  []byte
	BuyerReference string
}

type InvoiceLine struct {
	Description string
	Quantity    int64
	UnitAmount  int64
	Amount      int64
	TaxPercent  int64
}

// SendResult is the provider's answer to a send.
type SendResult struct {
	ProviderInvoiceID string
	InitialStatus     string
}

// StatusResult is the provider's answer to a status poll.
type StatusResult struct {
	Status  string
	Message string
	// RecipientUnreachable is the structural "receiver not registered on
	// the network" flag. The invoice is still durably stored provider-side.
	RecipientUnreachable bool
	// ProviderInternalError flags a fault on the provider's side, presumed
	// transient.
	ProviderInternalError bool
}

// Provider is the delivery provider port.
type Provider interface {
	Send(ctx context.Context, payload InvoicePayload) (SendResult, error)
	GetStatus(ctx context.Context, providerInvoiceID string) (StatusResult, error)
	GetSourceDocument(ctx context.Context, providerInvoiceID string) ([]byte, error)
}

var (
	// ErrRateLimited signals a 429-class rejection from the provider.
	ErrRateLimited = errors.New("provider_rate_limited")
	ErrNotFound    = errors.New("provider_invoice_not_found")
	ErrInvalidAuth = errors.New("provider_invalid_auth")
)

// AlreadyExistsError reports that the provider has previously received this
// exact invoice number, typically from a crashed prior attempt. Callers must
// treat it as success, never as a reason to resend.
type AlreadyExistsError struct {
	InvoiceNumber string
}

func (e *AlreadyExistsError) Error() string {
	return "invoice already exists at provider: " + e.InvoiceNumber
}

// APIError carries structured detail from a failed provider call.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return "provider api error " + e.Code + ": " + e.Message
	}
	return "provider api error: " + e.Message
}

// ErrorDetails extracts structured detail from a provider error for
// persistence on the dispatch record.
func ErrorDetails(err error) map[string]any {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return map[string]any{
			"status_code": apiErr.StatusCode,
			"code":        apiErr.Code,
			"message":     apiErr.Message,
			"body":        apiErr.Body,
		}
	}
	return nil
}

// IsRateLimited reports whether err is a rate-limit signal, either the
// sentinel or a 429 API error.
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}
