package worker

import (
	"context"
	"time"

	"shop-service/internal/broker"
	"shop-service/internal/models"
	"shop-service/internal/notify"
	"shop-service/internal/service"
	"shop-service/internal/util"

	"go.uber.org/zap"
)

// SettlementWorker consumes payment events and drives the post-payment
// side effects: marking orders paid, assigning tracking numbers, and
// sending customer notifications.
type SettlementWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewSettlementWorker creates a new settlement worker
func NewSettlementWorker(
	consumer *broker.Consumer,
	payments *service.PaymentService,
	notifier notify.Notifier,
) *SettlementWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnPaymentConfirmed(payments.Settle)
	eventHandler.OnRefundProcessed(func(ctx context.Context, event *models.RefundProcessedEvent) error {
		order := &models.Order{ID: event.OrderID}
		return notifier.SendRefundNotice(ctx, order, event.Status)
	})

	return &SettlementWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *SettlementWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting settlement worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *SettlementWorker) Stop() error {
	w.logger.Info("Stopping settlement worker")
	return w.consumer.Close()
}

// SweepWorker periodically cancels orders left unpaid past the
// deadline, releasing their reserved stock.
type SweepWorker struct {
	orders   *service.OrderService
	interval time.Duration
	deadline time.Duration
	logger   *zap.Logger
}

// NewSweepWorker creates a new sweep worker
func NewSweepWorker(orders *service.OrderService, interval, deadline time.Duration) *SweepWorker {
	return &SweepWorker{
		orders:   orders,
		interval: interval,
		deadline: deadline,
		logger:   util.GetLogger(),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (w *SweepWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting unpaid-order sweep",
		zap.Duration("interval", w.interval),
		zap.Duration("deadline", w.deadline))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping unpaid-order sweep")
			return ctx.Err()
		case <-ticker.C:
			cancelled, err := w.orders.SweepUnpaid(ctx, w.deadline)
			if err != nil {
				w.logger.Error("Unpaid-order sweep failed", zap.Error(err))
				continue
			}
			if cancelled > 0 {
				w.logger.Info("Swept unpaid orders", zap.Int("cancelled", cancelled))
			}
		}
	}
}
