package models

import "time"

// Event types
const (
	EventTypePaymentConfirmed = "PAYMENT_CONFIRMED"
	EventTypeRefundProcessed  = "REFUND_PROCESSED"
	EventTypeOrderCancelled   = "ORDER_CANCELLED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentConfirmedEvent published after a gateway webhook (or the
// zero-total auto-settle path) verifies a successful charge. The
// settlement worker reacts by marking the order paid, assigning a
// tracking number, and dispatching the receipt.
type PaymentConfirmedEvent struct {
	BaseEvent
	OrderID        int64  `json:"order_id"`
	Reference      string `json:"reference"`
	Gateway        string `json:"gateway"`
	GatewayEventID string `json:"gateway_event_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
}

// RefundProcessedEvent published when a gateway reports a terminal
// refund outcome.
type RefundProcessedEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	Gateway   string `json:"gateway"`
	Status    string `json:"status"`
	Succeeded bool   `json:"succeeded"`
}

// OrderCancelledEvent published when an order is cancelled, either by
// the customer or by the unpaid-order sweep.
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}
