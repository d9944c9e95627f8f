package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	providerdomain "github.com/deinte/peppolsub/internal/provider/domain"
)

// ErrNoPayloadSource means no payload endpoint was configured and no
// application-specific Transformer was supplied either.
var ErrNoPayloadSource = errors.New("payload source not configured")

// HTTPSource fetches invoice payloads from an application endpoint. The URL
// template carries {source_type} and {source_id} placeholders.
type HTTPSource struct {
	urlTemplate string
	http        *http.Client
}

func NewHTTPSource(urlTemplate string) *HTTPSource {
	return &HTTPSource{
		urlTemplate: strings.TrimSpace(urlTemplate),
		http:        &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSource) Transform(ctx context.Context, sourceType, sourceID string) (providerdomain.InvoicePayload, error) {
	if s.urlTemplate == "" {
		return providerdomain.InvoicePayload{}, ErrNoPayloadSource
	}

	url := strings.NewReplacer(
		"{source_type}", sourceType,
		"{source_id}", sourceID,
	).Replace(s.urlTemplate)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return providerdomain.InvoicePayload{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return providerdomain.InvoicePayload{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return providerdomain.InvoicePayload{}, err
	}
	if resp.StatusCode >= 400 {
		return providerdomain.InvoicePayload{}, fmt.Errorf("fetch payload %s/%s: status %d", sourceType, sourceID, resp.StatusCode)
	}

	var payload providerdomain.InvoicePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return providerdomain.InvoicePayload{}, fmt.Errorf("decode payload %s/%s: %w", sourceType, sourceID, err)
	}
	return payload, nil
}
