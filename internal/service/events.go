package service

import (
	"context"

	"shop-service/internal/models"
)

// Events is the publishing surface services emit domain events on.
// Satisfied by broker.EventPublisher.
type Events interface {
	PublishPaymentConfirmed(ctx context.Context, event *models.PaymentConfirmedEvent) error
	PublishRefundProcessed(ctx context.Context, event *models.RefundProcessedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
}
