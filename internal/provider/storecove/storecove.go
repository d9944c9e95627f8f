// Package storecove implements the delivery provider port against the
// Storecove REST API.
package storecove

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deinte/peppolsub/internal/config"
	providerdomain "github.com/deinte/peppolsub/internal/provider/domain"
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a Storecove client from provider config.
func New(cfg config.ProviderConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, providerdomain.ErrInvalidAuth
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type submissionRequest struct {
	LegalEntityID string          `json:"legal_entity_id,omitempty"`
	Document      json.RawMessage `json:"document"`
}

type submissionResponse struct {
	GUID   string `json:"guid"`
	Status string `json:"status"`
}

type statusResponse struct {
	Status string `json:"status"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	NotRegistered bool `json:"not_registered"`
}

type errorResponse struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) Send(ctx context.Context, payload providerdomain.InvoicePayload) (providerdomain.SendResult, error) {
	document, err := json.Marshal(buildDocument(payload))
	if err != nil {
		return providerdomain.SendResult{}, err
	}

	body, status, err := c.do(ctx, http.MethodPost, "/document_submissions", submissionRequest{Document: document})
	if err != nil {
		return providerdomain.SendResult{}, err
	}
	if status >= 400 {
		return providerdomain.SendResult{}, c.asError(status, body, payload.InvoiceNumber)
	}

	var resp submissionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return providerdomain.SendResult{}, fmt.Errorf("decode submission response: %w", err)
	}
	return providerdomain.SendResult{
		ProviderInvoiceID: resp.GUID,
		InitialStatus:     resp.Status,
	}, nil
}

func (c *Client) GetStatus(ctx context.Context, providerInvoiceID string) (providerdomain.StatusResult, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/document_submissions/"+providerInvoiceID, nil)
	if err != nil {
		return providerdomain.StatusResult{}, err
	}
	if status == http.StatusNotFound {
		return providerdomain.StatusResult{}, providerdomain.ErrNotFound
	}
	if status >= 400 {
		return providerdomain.StatusResult{}, c.asError(status, body, "")
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return providerdomain.StatusResult{}, fmt.Errorf("decode status response: %w", err)
	}

	result := providerdomain.StatusResult{
		Status:               resp.Status,
		RecipientUnreachable: resp.NotRegistered,
	}
	for _, e := range resp.Errors {
		if result.Message == "" {
			result.Message = e.Message
		}
		if e.Code == "internal_error" {
			result.ProviderInternalError = true
		}
	}
	return result, nil
}

func (c *Client) GetSourceDocument(ctx context.Context, providerInvoiceID string) ([]byte, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/document_submissions/"+providerInvoiceID+"/source_document", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, providerdomain.ErrNotFound
	}
	if status >= 400 {
		return nil, c.asError(status, body, "")
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func (c *Client) asError(status int, body []byte, invoiceNumber string) error {
	if status == http.StatusTooManyRequests {
		return providerdomain.ErrRateLimited
	}

	var parsed errorResponse
	_ = json.Unmarshal(body, &parsed)

	code := ""
	message := ""
	if len(parsed.Errors) > 0 {
		code = parsed.Errors[0].Code
		message = parsed.Errors[0].Message
	}

	if invoiceNumber != "" && isAlreadyExists(code, message) {
		return &providerdomain.AlreadyExistsError{InvoiceNumber: invoiceNumber}
	}

	return &providerdomain.APIError{
		StatusCode: status,
		Code:       code,
		Message:    message,
		Body:       string(body),
	}
}

func isAlreadyExists(code, message string) bool {
	if code == "already_exists" {
		return true
	}
	return strings.Contains(strings.ToLower(message), "already exists")
}

func buildDocument(payload providerdomain.InvoicePayload) map[string]any {
	lines := make([]map[string]any, 0, len(payload.DocumentLines))
	for _, line := range payload.DocumentLines {
		lines = append(lines, map[string]any{
			"description":          line.Description,
			"quantity":             line.Quantity,
			"amount_excluding_vat": line.Amount,
			"tax_percent":          line.TaxPercent,
		})
	}

	doc := map[string]any{
		"document_type":   "invoice",
		"invoice_number":  payload.InvoiceNumber,
		"issue_date":      payload.IssueDate.Format("2006-01-02"),
		"currency":        payload.CurrencyCode,
		"amount_total":    payload.TotalAmount,
		"tax_total":       payload.TaxAmount,
		"buyer_reference": payload.BuyerReference,
		"receiver": map[string]any{
			"tax_id": payload.ReceiverTaxID,
			"eas":    payload.ReceiverEAS,
		},
		"lines": lines,
	}
	if payload.DueDate != nil {
		doc["due_date"] = payload.DueDate.Format("2006-01-02")
	}
	return doc
}
