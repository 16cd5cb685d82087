package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/gateway"
	"shop-service/internal/models"
	"shop-service/internal/notify"
	"shop-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentStore is the persistence surface of payment processing.
type PaymentStore interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByReference(ctx context.Context, reference string) (*models.Order, error)
	UpdatePaymentStatus(ctx context.Context, orderID int64, status string) error
	UpdatePaymentMethod(ctx context.Context, orderID int64, method string) error
	RecordPaymentEvent(ctx context.Context, ev *models.PaymentEvent) (bool, error)
	SetTransactionID(ctx context.Context, orderID int64, txID string) error
	SetRefundStatus(ctx context.Context, orderID int64, status string) error
	CreateRefund(ctx context.Context, refund *models.Refund) error
	GetRefundByOrderID(ctx context.Context, orderID int64) (*models.Refund, error)
	UpdateRefundStatus(ctx context.Context, orderID int64, status string) error
}

// TrackingAssigner reacts to first successful payment by attaching a
// tracking number exactly once.
type TrackingAssigner interface {
	EnsureTrackingNumber(ctx context.Context, orderID int64) (string, error)
}

// PaymentService initiates gateway payments, reconciles webhooks, and
// settles orders.
type PaymentService struct {
	store          PaymentStore
	gateways       map[string]gateway.Gateway
	eventPublisher Events
	tracking       TrackingAssigner
	notifier       notify.Notifier
	currency       string
	callbackURL    string
	logger         *zap.Logger
	now            func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	store PaymentStore,
	gateways map[string]gateway.Gateway,
	eventPublisher Events,
	tracking TrackingAssigner,
	notifier notify.Notifier,
	currency, callbackURL string,
) *PaymentService {
	return &PaymentService{
		store:          store,
		gateways:       gateways,
		eventPublisher: eventPublisher,
		tracking:       tracking,
		notifier:       notifier,
		currency:       currency,
		callbackURL:    callbackURL,
		logger:         util.GetLogger(),
		now:            time.Now,
	}
}

// Initiate starts an external payment for a pending order. The order's
// reference was generated at creation and is recorded with the chosen
// method before the provider is called, so the webhook can always find
// its order.
func (ps *PaymentService) Initiate(ctx context.Context, orderID, userID int64, method, email string) (*gateway.RedirectPayload, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Initiate")
	defer span.End()

	order, err := ps.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, apperr.NotFoundf("order not found")
	}
	if order.UserID != userID {
		return nil, apperr.Forbiddenf("order belongs to another user")
	}
	if order.PaymentStatus != models.PaymentStatusPending {
		return nil, apperr.Conflictf("order payment is %s", order.PaymentStatus)
	}

	gw, ok := ps.gateways[method]
	if !ok {
		return nil, apperr.Validationf("unknown payment method: %s", method)
	}

	if err := ps.store.UpdatePaymentMethod(ctx, orderID, method); err != nil {
		return nil, fmt.Errorf("failed to record payment method: %w", err)
	}

	util.PaymentAttemptsTotal.WithLabelValues(method).Inc()
	payload, err := gw.Initiate(ctx, gateway.InitiateRequest{
		Reference:   order.Reference,
		Amount:      order.PayableTotal(),
		Currency:    ps.currency,
		Email:       email,
		CallbackURL: ps.callbackURL,
	})
	if err != nil {
		// Surfaced to the caller with the provider detail; retrying is
		// the caller's responsibility.
		return nil, err
	}

	if err := ps.store.UpdatePaymentStatus(ctx, orderID, models.PaymentStatusProcessing); err != nil {
		return nil, fmt.Errorf("failed to mark payment processing: %w", err)
	}

	ps.logger.Info("Payment initiated",
		zap.Int64("order_id", orderID),
		zap.String("method", method),
		zap.String("reference", order.Reference))
	return payload, nil
}

// webhookEvent is a provider payload normalized for processing.
type webhookEvent struct {
	gatewayName string
	eventID     string
	kind        string // "charge" or "refund"
	reference   string
	status      string
}

const (
	webhookKindCharge = "charge"
	webhookKindRefund = "refund"
)

// HandleWebhook processes a raw gateway callback. The error kind maps
// to the response the provider sees: Unauthorized for a bad signature,
// Validation for a malformed payload, NotFound for an unknown
// reference. A replayed event id returns nil with no state change.
func (ps *PaymentService) HandleWebhook(ctx context.Context, gatewayName string, body []byte, signature string) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleWebhook")
	defer span.End()

	gw, ok := ps.gateways[gatewayName]
	if !ok {
		return apperr.NotFoundf("unknown gateway: %s", gatewayName)
	}

	if err := gw.VerifyWebhook(body, signature); err != nil {
		util.WebhooksTotal.WithLabelValues(gatewayName, "rejected").Inc()
		return err
	}

	event, err := ps.parseWebhook(gatewayName, body)
	if err != nil {
		util.WebhooksTotal.WithLabelValues(gatewayName, "malformed").Inc()
		return err
	}

	order, err := ps.store.GetOrderByReference(ctx, event.reference)
	if err != nil {
		return fmt.Errorf("failed to look up order: %w", err)
	}
	if order == nil {
		ps.logger.Warn("Webhook for unknown order reference",
			zap.String("gateway", gatewayName),
			zap.String("reference", event.reference))
		util.WebhooksTotal.WithLabelValues(gatewayName, "unknown_order").Inc()
		return apperr.NotFoundf("no order for reference")
	}

	switch event.kind {
	case webhookKindCharge:
		return ps.handleChargeEvent(ctx, gw, event, order)
	case webhookKindRefund:
		return ps.handleRefundEvent(ctx, event, order)
	default:
		ps.logger.Debug("Ignoring webhook event",
			zap.String("gateway", gatewayName),
			zap.String("event_id", event.eventID))
		return nil
	}
}

// handleChargeEvent re-verifies the charge with the provider, records
// the event id, and hands settlement to the worker. The webhook body's
// own amount is never trusted.
func (ps *PaymentService) handleChargeEvent(ctx context.Context, gw gateway.Gateway, event *webhookEvent, order *models.Order) error {
	tx, err := gw.VerifyTransaction(ctx, order.Reference)
	if err != nil {
		return err
	}
	if !tx.Succeeded {
		ps.logger.Warn("Webhook charge not confirmed by gateway",
			zap.Int64("order_id", order.ID),
			zap.String("event_id", event.eventID))
		util.WebhooksTotal.WithLabelValues(event.gatewayName, "unconfirmed").Inc()
		return apperr.Validationf("gateway did not confirm the charge")
	}
	if !tx.Amount.Equal(order.PayableTotal()) || tx.Currency != ps.currency {
		ps.logger.Warn("Webhook charge amount mismatch",
			zap.Int64("order_id", order.ID),
			zap.String("verified_amount", tx.Amount.String()),
			zap.String("expected_amount", order.PayableTotal().String()))
		util.WebhooksTotal.WithLabelValues(event.gatewayName, "mismatch").Inc()
		return apperr.Validationf("verified amount does not match order total")
	}

	inserted, err := ps.store.RecordPaymentEvent(ctx, &models.PaymentEvent{
		EventID: event.eventID,
		Gateway: event.gatewayName,
		OrderID: order.ID,
		Status:  models.PaymentStatusSuccessful,
	})
	if err != nil {
		return fmt.Errorf("failed to record payment event: %w", err)
	}
	if !inserted {
		util.WebhooksTotal.WithLabelValues(event.gatewayName, "duplicate").Inc()
		return nil
	}

	if err := ps.store.SetTransactionID(ctx, order.ID, tx.TransactionID); err != nil {
		return fmt.Errorf("failed to record transaction id: %w", err)
	}

	util.WebhooksTotal.WithLabelValues(event.gatewayName, "accepted").Inc()
	ps.publishSettlement(ctx, order, event.gatewayName, event.eventID, tx.Amount)
	return nil
}

// publishSettlement hands the order to the settlement worker. If the
// broker is unavailable the order settles inline so a recorded payment
// never strands.
func (ps *PaymentService) publishSettlement(ctx context.Context, order *models.Order, gatewayName, gatewayEventID string, amount decimal.Decimal) {
	event := &models.PaymentConfirmedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentConfirmed,
			Timestamp: ps.now(),
		},
		OrderID:        order.ID,
		Reference:      order.Reference,
		Gateway:        gatewayName,
		GatewayEventID: gatewayEventID,
		Amount:         amount.String(),
		Currency:       ps.currency,
	}

	if err := ps.eventPublisher.PublishPaymentConfirmed(ctx, event); err != nil {
		ps.logger.Error("Failed to publish PaymentConfirmed event, settling inline",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		if err := ps.Settle(ctx, event); err != nil {
			ps.logger.Error("Inline settlement failed",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
	}
}

// handleRefundEvent records a gateway refund-status callback. Terminal
// success flips the order to refunded.
func (ps *PaymentService) handleRefundEvent(ctx context.Context, event *webhookEvent, order *models.Order) error {
	inserted, err := ps.store.RecordPaymentEvent(ctx, &models.PaymentEvent{
		EventID: event.eventID,
		Gateway: event.gatewayName,
		OrderID: order.ID,
		Status:  event.status,
	})
	if err != nil {
		return fmt.Errorf("failed to record refund event: %w", err)
	}
	if !inserted {
		util.WebhooksTotal.WithLabelValues(event.gatewayName, "duplicate").Inc()
		return nil
	}

	if err := ps.store.SetRefundStatus(ctx, order.ID, event.status); err != nil {
		return fmt.Errorf("failed to update refund status: %w", err)
	}
	if err := ps.store.UpdateRefundStatus(ctx, order.ID, event.status); err != nil {
		return fmt.Errorf("failed to update refund record: %w", err)
	}

	succeeded := event.status == models.RefundStatusProcessed ||
		event.status == models.RefundStatusCompleted
	if succeeded {
		if err := ps.store.UpdatePaymentStatus(ctx, order.ID, models.PaymentStatusRefunded); err != nil {
			return fmt.Errorf("failed to mark order refunded: %w", err)
		}
	}

	util.RefundsTotal.WithLabelValues(event.gatewayName, event.status).Inc()

	published := &models.RefundProcessedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeRefundProcessed,
			Timestamp: ps.now(),
		},
		OrderID:   order.ID,
		Gateway:   event.gatewayName,
		Status:    event.status,
		Succeeded: succeeded,
	}
	if err := ps.eventPublisher.PublishRefundProcessed(ctx, published); err != nil {
		ps.logger.Error("Failed to publish RefundProcessed event", zap.Error(err))
	}
	return nil
}

// Settle marks an order paid, assigns its tracking number, and sends
// the receipt. Consumed from the event topic; a redelivery for an
// already-successful order only re-ensures the tracking number and
// sends nothing.
func (ps *PaymentService) Settle(ctx context.Context, event *models.PaymentConfirmedEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.Settle")
	defer span.End()

	order, err := ps.store.GetOrderByID(ctx, event.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load order for settlement: %w", err)
	}
	if order.PaymentStatus == models.PaymentStatusSuccessful {
		// Redelivered settlement. A crash between the status write and
		// the tracking insert leaves the order paid without a number,
		// so tracking is still ensured here; the insert is idempotent.
		if _, err := ps.tracking.EnsureTrackingNumber(ctx, order.ID); err != nil {
			return fmt.Errorf("failed to assign tracking number: %w", err)
		}
		ps.logger.Info("Order already settled",
			zap.Int64("order_id", order.ID))
		return nil
	}

	if err := ps.store.UpdatePaymentStatus(ctx, order.ID, models.PaymentStatusSuccessful); err != nil {
		return fmt.Errorf("failed to mark order paid: %w", err)
	}

	number, err := ps.tracking.EnsureTrackingNumber(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to assign tracking number: %w", err)
	}

	if err := ps.notifier.SendReceipt(ctx, order, number); err != nil {
		ps.logger.Error("Failed to send receipt",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}

	util.OrdersSettledTotal.Inc()
	ps.logger.Info("Order settled",
		zap.Int64("order_id", order.ID),
		zap.String("tracking_number", number))
	return nil
}

// SettleZeroTotal settles an order whose discount fully offset the
// total, with no gateway round trip. The internal event id keeps the
// settlement auditable and idempotent through the same payment-event
// log webhooks use.
func (ps *PaymentService) SettleZeroTotal(ctx context.Context, order *models.Order) error {
	eventID := fmt.Sprintf("internal:coupon:%d", order.ID)
	inserted, err := ps.store.RecordPaymentEvent(ctx, &models.PaymentEvent{
		EventID: eventID,
		Gateway: models.GatewayInternal,
		OrderID: order.ID,
		Status:  models.PaymentStatusSuccessful,
	})
	if err != nil {
		return fmt.Errorf("failed to record internal settlement event: %w", err)
	}
	if !inserted {
		return nil
	}

	ps.publishSettlement(ctx, order, models.GatewayInternal, eventID, order.PayableTotal())
	return nil
}

// IssueRefund dispatches a refund to the order's gateway. A nil amount
// refunds in full. The provider's callback later drives the terminal
// status.
func (ps *PaymentService) IssueRefund(ctx context.Context, orderID int64, amount *decimal.Decimal) (*gateway.RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.IssueRefund")
	defer span.End()

	order, err := ps.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, apperr.NotFoundf("order not found")
	}
	if order.PaymentStatus != models.PaymentStatusSuccessful {
		return nil, apperr.Conflictf("order payment is %s, nothing to refund", order.PaymentStatus)
	}
	if !order.PaymentMethod.Valid || !order.TransactionID.Valid {
		return nil, apperr.Conflictf("order has no settled gateway transaction")
	}

	gw, ok := ps.gateways[order.PaymentMethod.String]
	if !ok {
		return nil, apperr.Validationf("unknown payment method: %s", order.PaymentMethod.String)
	}

	result, err := gw.Refund(ctx, gateway.RefundRequest{
		Reference:     order.Reference,
		TransactionID: order.TransactionID.String,
		Amount:        amount,
	})
	if err != nil {
		return nil, err
	}

	refundAmount := order.PayableTotal()
	if amount != nil {
		refundAmount = *amount
	}

	existing, err := ps.store.GetRefundByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		if err := ps.store.CreateRefund(ctx, &models.Refund{
			OrderID:       orderID,
			Gateway:       order.PaymentMethod.String,
			TransactionID: order.TransactionID.String,
			Amount:        refundAmount,
			Status:        result.Status,
		}); err != nil {
			return nil, fmt.Errorf("failed to record refund: %w", err)
		}
	} else if err := ps.store.UpdateRefundStatus(ctx, orderID, result.Status); err != nil {
		return nil, fmt.Errorf("failed to update refund: %w", err)
	}

	if err := ps.store.SetRefundStatus(ctx, orderID, result.Status); err != nil {
		return nil, fmt.Errorf("failed to update order refund status: %w", err)
	}

	util.RefundsTotal.WithLabelValues(order.PaymentMethod.String, "dispatched").Inc()
	ps.logger.Info("Refund dispatched",
		zap.Int64("order_id", orderID),
		zap.String("amount", refundAmount.String()))
	return result, nil
}

// paystackWebhook mirrors Paystack's payload nesting.
type paystackWebhook struct {
	Event string `json:"event"`
	Data  struct {
		ID        int64  `json:"id"`
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		Transaction struct {
			Reference string `json:"reference"`
		} `json:"transaction"`
	} `json:"data"`
}

// flutterwaveWebhook mirrors Flutterwave's payload nesting, including
// the transaction object its refund callbacks use.
type flutterwaveWebhook struct {
	Event string `json:"event"`
	Data  struct {
		ID       int64  `json:"id"`
		TxRef    string `json:"tx_ref"`
		Status   string `json:"status"`
		Amount   json.Number `json:"amount"`
		Currency string `json:"currency"`
		Transaction struct {
			ID    int64  `json:"id"`
			TxRef string `json:"tx_ref"`
		} `json:"transaction"`
	} `json:"data"`
}

// parseWebhook normalizes a provider payload. Field names and nesting
// are provider-defined and tolerated as-is.
func (ps *PaymentService) parseWebhook(gatewayName string, body []byte) (*webhookEvent, error) {
	switch gatewayName {
	case models.GatewayPaystack:
		var payload paystackWebhook
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, apperr.Validationf("malformed webhook payload")
		}
		if payload.Event == "" || payload.Data.ID == 0 {
			return nil, apperr.Validationf("webhook payload missing required fields")
		}

		event := &webhookEvent{
			gatewayName: gatewayName,
			eventID:     fmt.Sprintf("%s:%s:%d", gatewayName, payload.Event, payload.Data.ID),
			reference:   payload.Data.Reference,
			status:      payload.Data.Status,
		}
		switch payload.Event {
		case "charge.success":
			event.kind = webhookKindCharge
		case "refund.pending", "refund.processing", "refund.failed", "refund.processed":
			event.kind = webhookKindRefund
			// Refund callbacks carry the original charge under
			// data.transaction.
			if payload.Data.Transaction.Reference != "" {
				event.reference = payload.Data.Transaction.Reference
			}
			event.status = refundStatusFromEvent(payload.Event)
		}
		if event.reference == "" {
			return nil, apperr.Validationf("webhook payload missing reference")
		}
		return event, nil

	case models.GatewayFlutterwave:
		var payload flutterwaveWebhook
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, apperr.Validationf("malformed webhook payload")
		}
		if payload.Event == "" {
			return nil, apperr.Validationf("webhook payload missing required fields")
		}

		event := &webhookEvent{
			gatewayName: gatewayName,
			reference:   payload.Data.TxRef,
			status:      payload.Data.Status,
		}
		switch payload.Event {
		case "charge.completed":
			if payload.Data.ID == 0 {
				return nil, apperr.Validationf("webhook payload missing required fields")
			}
			event.kind = webhookKindCharge
			event.eventID = fmt.Sprintf("%s:%s:%d", gatewayName, payload.Event, payload.Data.ID)
		case "refund.completed", "refund.failed":
			if payload.Data.Transaction.ID == 0 {
				return nil, apperr.Validationf("webhook payload missing required fields")
			}
			event.kind = webhookKindRefund
			event.eventID = fmt.Sprintf("%s:%s:%d", gatewayName, payload.Event, payload.Data.Transaction.ID)
			if payload.Data.Transaction.TxRef != "" {
				event.reference = payload.Data.Transaction.TxRef
			}
			event.status = refundStatusFromEvent(payload.Event)
		}
		if event.reference == "" {
			return nil, apperr.Validationf("webhook payload missing reference")
		}
		return event, nil

	default:
		return nil, apperr.NotFoundf("unknown gateway: %s", gatewayName)
	}
}

// refundStatusFromEvent maps a provider refund event name to the
// stored status.
func refundStatusFromEvent(eventName string) string {
	switch eventName {
	case "refund.pending":
		return models.RefundStatusPending
	case "refund.processing":
		return models.RefundStatusProcessing
	case "refund.failed":
		return models.RefundStatusFailed
	case "refund.processed":
		return models.RefundStatusProcessed
	case "refund.completed":
		return models.RefundStatusCompleted
	default:
		return eventName
	}
}
