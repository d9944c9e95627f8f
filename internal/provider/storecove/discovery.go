package storecove

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	identitydomain "github.com/deinte/peppolsub/internal/identity/domain"
)

type discoveryRequest struct {
	DocumentType string `json:"documentType"`
	Identifier   string `json:"identifier"`
	Scheme       string `json:"scheme"`
}

type discoveryResponse struct {
	Code string `json:"code"`
}

// schemeFor maps a country onto the participant identifier scheme used on
// the network. Unknown countries fall back to the generic VAT scheme.
func schemeFor(country string) string {
	switch strings.ToUpper(strings.TrimSpace(country)) {
	case "DE":
		return "DE:VAT"
	case "NL":
		return "NL:VAT"
	case "BE":
		return "BE:VAT"
	case "FR":
		return "FR:VAT"
	case "IT":
		return "IT:VAT"
	case "ES":
		return "ES:VAT"
	default:
		return "VAT"
	}
}

// Resolve checks whether a recipient can receive invoices on the network.
// A negative answer is a valid result, not an error.
func (c *Client) Resolve(ctx context.Context, taxID, country string) (identitydomain.Identity, error) {
	scheme := schemeFor(country)
	body, status, err := c.do(ctx, http.MethodPost, "/discovery/receives", discoveryRequest{
		DocumentType: "invoice",
		Identifier:   strings.TrimSpace(taxID),
		Scheme:       scheme,
	})
	if err != nil {
		return identitydomain.Identity{}, err
	}
	if status == http.StatusNotFound {
		return identitydomain.Identity{FoundOnNetwork: false}, nil
	}
	if status >= 400 {
		return identitydomain.Identity{}, c.asError(status, body, "")
	}

	var resp discoveryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return identitydomain.Identity{}, fmt.Errorf("decode discovery response: %w", err)
	}

	found := strings.EqualFold(resp.Code, "OK")
	identity := identitydomain.Identity{
		SchemeID:       scheme,
		FoundOnNetwork: found,
	}
	if found {
		identity.NetworkAddress = scheme + ":" + strings.TrimSpace(taxID)
	}
	return identity, nil
}
