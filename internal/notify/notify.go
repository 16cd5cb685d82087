// Package notify abstracts customer notifications. Actual delivery
// (email, SMS) lives outside this service; the default implementation
// just records the intent.
package notify

import (
	"context"

	"shop-service/internal/models"
	"shop-service/internal/util"

	"go.uber.org/zap"
)

type Notifier interface {
	SendReceipt(ctx context.Context, order *models.Order, trackingNumber string) error
	SendRefundNotice(ctx context.Context, order *models.Order, status string) error
}

// LogNotifier logs notification intents instead of delivering them.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: util.GetLogger()}
}

func (n *LogNotifier) SendReceipt(_ context.Context, order *models.Order, trackingNumber string) error {
	n.logger.Info("Receipt notification dispatched",
		zap.Int64("order_id", order.ID),
		zap.String("tracking_number", trackingNumber))
	return nil
}

func (n *LogNotifier) SendRefundNotice(_ context.Context, order *models.Order, status string) error {
	n.logger.Info("Refund notification dispatched",
		zap.Int64("order_id", order.ID),
		zap.String("status", status))
	return nil
}
