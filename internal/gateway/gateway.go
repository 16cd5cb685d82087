// Package gateway holds the payment-provider adapters. Each adapter
// builds provider-specific initiation payloads, verifies webhook
// signatures, re-verifies transactions server-to-server, and dispatches
// refunds.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"shop-service/internal/apperr"

	"github.com/shopspring/decimal"
)

// InitiateRequest carries the fields every provider needs to start a
// checkout session.
type InitiateRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	Email       string
	CallbackURL string
}

// RedirectPayload is the provider's hosted-checkout handoff.
type RedirectPayload struct {
	AuthorizationURL string `json:"authorization_url"`
	Reference        string `json:"reference"`
}

// Transaction is the provider's own record of a charge, fetched
// server-to-server. Webhook bodies are never trusted for amounts.
type Transaction struct {
	TransactionID string
	Succeeded     bool
	Amount        decimal.Decimal
	Currency      string
}

// RefundRequest targets a settled transaction. A nil Amount requests a
// full refund.
type RefundRequest struct {
	Reference     string
	TransactionID string
	Amount        *decimal.Decimal
}

// RefundResult is the provider's synchronous acknowledgement; the
// terminal outcome arrives later by webhook.
type RefundResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Gateway is one external payment provider.
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (*RedirectPayload, error)
	VerifyWebhook(body []byte, signature string) error
	VerifyTransaction(ctx context.Context, reference string) (*Transaction, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

const requestTimeout = 30 * time.Second

// doJSON performs an authenticated JSON request against a provider API
// and decodes the response into out. Non-2xx responses surface as
// gateway errors with the provider body attached.
func doJSON(ctx context.Context, client *http.Client, method, url, authHeader string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := client.Do(req)
	if err != nil {
		return apperr.Gateway("provider request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Gateway("failed to read provider response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.Gateway(
			fmt.Sprintf("provider returned %d", resp.StatusCode),
			fmt.Errorf("%s", respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return apperr.Gateway("unexpected provider response shape", err)
		}
	}
	return nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
