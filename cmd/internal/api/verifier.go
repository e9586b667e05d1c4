package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nostrid/cmd/identity"
)

// PaymentVerifier asks the payment backend whether an invoice was paid for id.
type PaymentVerifier interface {
	Paid(ctx context.Context, paymentHash string, id identity.Identifier) (bool, error)
}

// MemoPrefix starts every invoice memo issued for a registration.
const MemoPrefix = "NIP-05: "

// LNbitsVerifier checks invoices against an LNbits wallet.
type LNbitsVerifier struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewLNbitsVerifier returns a verifier for the LNbits instance at baseURL.
// A nil client gets a 10 second timeout.
func NewLNbitsVerifier(baseURL, apiKey string, client *http.Client) (*LNbitsVerifier, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, identity.Invalid("api.NewLNbitsVerifier", "LNbits URL must be an absolute http(s) URL")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, identity.Invalid("api.NewLNbitsVerifier", "LNbits API key is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &LNbitsVerifier{baseURL: u.String(), apiKey: apiKey, client: client}, nil
}

type lnbitsPayment struct {
	Paid        bool   `json:"paid"`
	Memo        string `json:"memo"`
	Description string `json:"description"`
	Details     struct {
		Memo string `json:"memo"`
	} `json:"details"`
}

// Paid reports true only for a settled invoice whose memo, when present,
// names id. A non-200 answer is an unpaid invoice, not an error.
func (v *LNbitsVerifier) Paid(ctx context.Context, paymentHash string, id identity.Identifier) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/api/v1/payments/"+url.PathEscape(paymentHash), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("X-Api-Key", v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("lnbits request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, nil
	}
	var p lnbitsPayment
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p); err != nil {
		return false, fmt.Errorf("lnbits response: %w", err)
	}
	if !p.Paid {
		return false, nil
	}

	memo := p.Memo
	if memo == "" {
		memo = p.Details.Memo
	}
	if memo == "" {
		memo = p.Description
	}
	if memo == "" {
		return true, nil
	}
	if !strings.HasPrefix(memo, MemoPrefix) {
		return false, nil
	}
	return strings.EqualFold(strings.TrimPrefix(memo, MemoPrefix), id.String()), nil
}
