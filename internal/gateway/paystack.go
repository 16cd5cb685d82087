package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
	"shop-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Paystack charges in subunits (kobo) and signs webhooks with
// HMAC-SHA512 over the raw body.
type Paystack struct {
	secretKey string
	baseURL   string
	client    *http.Client
	logger    *zap.Logger
}

// NewPaystack creates a Paystack adapter.
func NewPaystack(secretKey, baseURL string) *Paystack {
	return &Paystack{
		secretKey: secretKey,
		baseURL:   baseURL,
		client:    newHTTPClient(),
		logger:    util.GetLogger(),
	}
}

func (p *Paystack) Name() string { return models.GatewayPaystack }

func (p *Paystack) auth() string { return "Bearer " + p.secretKey }

type paystackInitRequest struct {
	Email       string `json:"email"`
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference"`
	Currency    string `json:"currency"`
	CallbackURL string `json:"callback_url"`
}

type paystackInitResponse struct {
	Status bool `json:"status"`
	Data   struct {
		AuthorizationURL string `json:"authorization_url"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// Initiate starts a hosted checkout session.
func (p *Paystack) Initiate(ctx context.Context, req InitiateRequest) (*RedirectPayload, error) {
	payload := paystackInitRequest{
		Email:       req.Email,
		Amount:      toSubunits(req.Amount),
		Reference:   req.Reference,
		Currency:    req.Currency,
		CallbackURL: req.CallbackURL,
	}

	var resp paystackInitResponse
	if err := doJSON(ctx, p.client, http.MethodPost,
		p.baseURL+"/transaction/initialize", p.auth(), payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, apperr.Gateway("paystack rejected initialization", nil)
	}

	p.logger.Info("Paystack checkout initialized",
		zap.String("reference", req.Reference))

	return &RedirectPayload{
		AuthorizationURL: resp.Data.AuthorizationURL,
		Reference:        resp.Data.Reference,
	}, nil
}

// VerifyWebhook checks the x-paystack-signature header: HMAC-SHA512 of
// the raw body keyed by the secret. hmac.Equal keeps the comparison
// constant-time.
func (p *Paystack) VerifyWebhook(body []byte, signature string) error {
	mac := hmac.New(sha512.New, []byte(p.secretKey))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return &apperr.Error{Kind: apperr.KindUnauthorized, Msg: "invalid webhook signature"}
	}
	return nil
}

type paystackVerifyResponse struct {
	Status bool `json:"status"`
	Data   struct {
		ID       int64  `json:"id"`
		Status   string `json:"status"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"data"`
}

// VerifyTransaction re-checks the charge with Paystack's own endpoint.
func (p *Paystack) VerifyTransaction(ctx context.Context, reference string) (*Transaction, error) {
	var resp paystackVerifyResponse
	if err := doJSON(ctx, p.client, http.MethodGet,
		p.baseURL+"/transaction/verify/"+reference, p.auth(), nil, &resp); err != nil {
		return nil, err
	}

	return &Transaction{
		TransactionID: fmt.Sprintf("%d", resp.Data.ID),
		Succeeded:     resp.Status && resp.Data.Status == "success",
		Amount:        fromSubunits(resp.Data.Amount),
		Currency:      resp.Data.Currency,
	}, nil
}

type paystackRefundRequest struct {
	Transaction string `json:"transaction"`
	Amount      int64  `json:"amount,omitempty"`
}

type paystackRefundResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

// Refund dispatches a refund; the terminal outcome arrives via the
// refund webhook (pending/processing/failed/processed).
func (p *Paystack) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	payload := paystackRefundRequest{Transaction: req.TransactionID}
	if req.Amount != nil {
		payload.Amount = toSubunits(*req.Amount)
	}

	var resp paystackRefundResponse
	if err := doJSON(ctx, p.client, http.MethodPost,
		p.baseURL+"/refund", p.auth(), payload, &resp); err != nil {
		return nil, err
	}

	status := models.RefundStatusPending
	if !resp.Status {
		status = models.RefundStatusFailed
	}
	return &RefundResult{Status: status, Message: resp.Message}, nil
}

func toSubunits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}

func fromSubunits(amount int64) decimal.Decimal {
	return decimal.NewFromInt(amount).Div(decimal.NewFromInt(100))
}
