package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
	"shop-service/internal/util"

	"go.uber.org/zap"
)

// Flutterwave uses major-unit amounts, a shared-secret webhook header
// (verif-hash), and an integrity checksum on initiation payloads.
type Flutterwave struct {
	secretKey string
	verifHash string
	baseURL   string
	client    *http.Client
	logger    *zap.Logger
}

// NewFlutterwave creates a Flutterwave adapter.
func NewFlutterwave(secretKey, verifHash, baseURL string) *Flutterwave {
	return &Flutterwave{
		secretKey: secretKey,
		verifHash: verifHash,
		baseURL:   baseURL,
		client:    newHTTPClient(),
		logger:    util.GetLogger(),
	}
}

func (f *Flutterwave) Name() string { return models.GatewayFlutterwave }

func (f *Flutterwave) auth() string { return "Bearer " + f.secretKey }

type flutterwaveInitRequest struct {
	TxRef       string `json:"tx_ref"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	RedirectURL string `json:"redirect_url"`
	Integrity   string `json:"integrity_hash"`
	Customer    struct {
		Email string `json:"email"`
	} `json:"customer"`
}

type flutterwaveInitResponse struct {
	Status string `json:"status"`
	Data   struct {
		Link string `json:"link"`
	} `json:"data"`
}

// checksum implements the provider's double-hash integrity scheme:
// sha256 the secret first, then sha256 the ordered immutable fields
// with that digest appended.
func (f *Flutterwave) checksum(txRef, amount, currency string) string {
	secretDigest := sha256.Sum256([]byte(f.secretKey))
	fields := txRef + amount + currency + hex.EncodeToString(secretDigest[:])
	sum := sha256.Sum256([]byte(fields))
	return hex.EncodeToString(sum[:])
}

// Initiate starts a hosted payment session.
func (f *Flutterwave) Initiate(ctx context.Context, req InitiateRequest) (*RedirectPayload, error) {
	payload := flutterwaveInitRequest{
		TxRef:       req.Reference,
		Amount:      req.Amount.StringFixed(2),
		Currency:    req.Currency,
		RedirectURL: req.CallbackURL,
	}
	payload.Customer.Email = req.Email
	payload.Integrity = f.checksum(payload.TxRef, payload.Amount, payload.Currency)

	var resp flutterwaveInitResponse
	if err := doJSON(ctx, f.client, http.MethodPost,
		f.baseURL+"/payments", f.auth(), payload, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, apperr.Gateway("flutterwave rejected initialization", nil)
	}

	f.logger.Info("Flutterwave checkout initialized",
		zap.String("reference", req.Reference))

	return &RedirectPayload{
		AuthorizationURL: resp.Data.Link,
		Reference:        req.Reference,
	}, nil
}

// VerifyWebhook compares the verif-hash header to the configured shared
// secret in constant time.
func (f *Flutterwave) VerifyWebhook(_ []byte, signature string) error {
	if f.verifHash == "" ||
		subtle.ConstantTimeCompare([]byte(f.verifHash), []byte(signature)) != 1 {
		return &apperr.Error{Kind: apperr.KindUnauthorized, Msg: "invalid webhook signature"}
	}
	return nil
}

type flutterwaveVerifyResponse struct {
	Status string `json:"status"`
	Data   struct {
		ID       int64  `json:"id"`
		TxRef    string `json:"tx_ref"`
		Status   string `json:"status"`
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"data"`
}

// VerifyTransaction re-checks the charge by reference with the
// provider's verification endpoint.
func (f *Flutterwave) VerifyTransaction(ctx context.Context, reference string) (*Transaction, error) {
	var resp flutterwaveVerifyResponse
	url := fmt.Sprintf("%s/transactions/verify_by_reference?tx_ref=%s", f.baseURL, reference)
	if err := doJSON(ctx, f.client, http.MethodGet, url, f.auth(), nil, &resp); err != nil {
		return nil, err
	}

	amount, err := parseAmount(resp.Data.Amount)
	if err != nil {
		return nil, apperr.Gateway("unexpected amount in verification response", err)
	}

	return &Transaction{
		TransactionID: fmt.Sprintf("%d", resp.Data.ID),
		Succeeded:     resp.Status == "success" && resp.Data.Status == "successful",
		Amount:        amount,
		Currency:      resp.Data.Currency,
	}, nil
}

type flutterwaveRefundRequest struct {
	Amount string `json:"amount,omitempty"`
}

type flutterwaveRefundResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Refund dispatches a refund against the original transaction id; the
// terminal outcome (completed/failed) arrives by webhook.
func (f *Flutterwave) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	payload := flutterwaveRefundRequest{}
	if req.Amount != nil {
		payload.Amount = req.Amount.StringFixed(2)
	}

	var resp flutterwaveRefundResponse
	url := fmt.Sprintf("%s/transactions/%s/refund", f.baseURL, req.TransactionID)
	if err := doJSON(ctx, f.client, http.MethodPost, url, f.auth(), payload, &resp); err != nil {
		return nil, err
	}

	status := models.RefundStatusPending
	if resp.Status != "success" {
		status = models.RefundStatusFailed
	}
	return &RefundResult{Status: status, Message: resp.Message}, nil
}
