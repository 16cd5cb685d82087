package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
	"shop-service/internal/store"
	"shop-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderStore is the persistence surface of the order lifecycle.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetUnpaidOrdersBefore(ctx context.Context, cutoff time.Time) ([]models.Order, error)
	CancelOrder(ctx context.Context, orderID int64) (bool, error)
	UpdateShippingStatus(ctx context.Context, orderID int64, status string) error
	GetTrackingNumber(ctx context.Context, orderID int64) (*models.TrackingNumber, error)
	CreateTrackingNumber(ctx context.Context, orderID int64, number string) error
}

// OrderService handles order business logic
type OrderService struct {
	store          OrderStore
	carts          *CartService
	eventPublisher Events
	logger         *zap.Logger
	now            func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(store OrderStore, carts *CartService, eventPublisher Events) *OrderService {
	return &OrderService{
		store:          store,
		carts:          carts,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
		now:            time.Now,
	}
}

// CreateFromCart turns the owner's cart into an order: address fields
// are snapshotted, one item per cart line is priced at the cart's
// current snapshot, and stock is decremented conditionally for every
// line inside one transaction, so either the whole order exists or
// nothing does. The cart is cleared afterwards; a crash between commit
// and clear leaves a stale cart, which is accepted.
func (s *OrderService) CreateFromCart(ctx context.Context, owner CartOwner, userID int64, addr models.ShippingAddress) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateFromCart")
	defer span.End()

	views, err := s.carts.Get(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		util.OrdersFailedTotal.WithLabelValues("empty_cart").Inc()
		return nil, apperr.Validationf("cart is empty")
	}

	items := make([]models.OrderItem, 0, len(views))
	subtotal := decimal.Zero
	for _, view := range views {
		if view.Quantity > view.Product.Stock {
			util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
			return nil, apperr.Conflictf("insufficient stock for product %d: available=%d",
				view.Product.ID, view.Product.Stock)
		}
		unit := view.Product.EffectivePrice()
		items = append(items, models.OrderItem{
			ProductID: view.Product.ID,
			Quantity:  view.Quantity,
			UnitPrice: unit,
		})
		subtotal = subtotal.Add(unit.Mul(decimal.NewFromInt(int64(view.Quantity))))
	}

	order := &models.Order{
		UserID:         userID,
		Reference:      uuid.New().String(),
		PaymentStatus:  models.PaymentStatusPending,
		ShippingStatus: models.ShippingStatusPending,
		ShippingState:  addr.State,
		ShippingCity:   addr.City,
		ShippingStreet: addr.Street,
		ShippingFee:    addr.Fee,
		Total:          subtotal.Add(addr.Fee),
	}

	if err := s.store.CreateOrder(ctx, order, items); err != nil {
		var stockErr *store.InsufficientStockError
		if errors.As(err, &stockErr) {
			util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
			return nil, apperr.Conflictf("insufficient stock for product %d: available=%d",
				stockErr.ProductID, stockErr.Available)
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if err := s.carts.Clear(ctx, owner); err != nil {
		s.logger.Warn("Order created but cart not cleared",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("reference", order.Reference))
	return order, nil
}

// Get returns an order with its items, enforcing ownership.
func (s *OrderService) Get(ctx context.Context, orderID, userID int64) (*models.Order, []models.OrderItem, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, apperr.NotFoundf("order not found")
	}
	if order.UserID != userID {
		return nil, nil, apperr.Forbiddenf("order belongs to another user")
	}

	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// History lists the user's orders, newest first.
func (s *OrderService) History(ctx context.Context, userID int64) ([]models.Order, error) {
	return s.store.GetOrdersByUserID(ctx, userID)
}

// CanCancel enforces the cancellation preconditions: a parcel already
// in transit or delivered leaves this flow and must go through returns,
// and a paid order keeps its stock and settlement and is refunded
// through the return flow instead.
func CanCancel(order *models.Order) error {
	switch order.ShippingStatus {
	case models.ShippingStatusPending, models.ShippingStatusProcessing:
	case models.ShippingStatusCancelled:
		return apperr.Conflictf("order is already cancelled")
	default:
		return apperr.Forbiddenf("order in %s cannot be cancelled; use the return flow after delivery",
			order.ShippingStatus)
	}

	switch order.PaymentStatus {
	case models.PaymentStatusSuccessful, models.PaymentStatusRefunded:
		return apperr.Conflictf("order is already paid; use the return flow for a refund")
	}
	return nil
}

// Cancel cancels an order and restores stock for every item.
func (s *OrderService) Cancel(ctx context.Context, orderID, userID int64, reason string) error {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return apperr.NotFoundf("order not found")
	}
	if userID > 0 && order.UserID != userID {
		return apperr.Forbiddenf("order belongs to another user")
	}
	if err := CanCancel(order); err != nil {
		return err
	}

	cancelled, err := s.store.CancelOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if !cancelled {
		// A webhook settled the order, or shipping advanced, after the
		// precondition read. The store left it untouched.
		return apperr.Conflictf("order is no longer cancellable")
	}

	util.OrdersCancelledTotal.Inc()
	s.logger.Info("Order cancelled",
		zap.Int64("order_id", orderID),
		zap.String("reason", reason))

	event := &models.OrderCancelledEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderCancelled,
			Timestamp: s.now(),
		},
		OrderID: orderID,
		Reason:  reason,
	}
	if err := s.eventPublisher.PublishOrderCancelled(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
	}

	return nil
}

// shippingNext holds the only legal forward transition per status.
var shippingNext = map[string]string{
	models.ShippingStatusPending:    models.ShippingStatusProcessing,
	models.ShippingStatusProcessing: models.ShippingStatusInTransit,
	models.ShippingStatusInTransit:  models.ShippingStatusDelivered,
}

// AdvanceShipping moves an order one step along the shipping state
// machine. The per-status timestamp is stamped once; re-entering a
// status is rejected rather than re-stamped.
func (s *OrderService) AdvanceShipping(ctx context.Context, orderID int64, target string) error {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return apperr.NotFoundf("order not found")
	}

	next, ok := shippingNext[order.ShippingStatus]
	if !ok || next != target {
		return apperr.Conflictf("cannot move order from %s to %s", order.ShippingStatus, target)
	}

	return s.store.UpdateShippingStatus(ctx, orderID, target)
}

// trackingAttempts caps the collision-retry loop; six random hex chars
// rarely collide, the unique index is the final arbiter.
const trackingAttempts = 5

// EnsureTrackingNumber generates a tracking number for an order exactly
// once. Called when payment first succeeds; calling it again returns
// the existing number without creating a second one.
func (s *OrderService) EnsureTrackingNumber(ctx context.Context, orderID int64) (string, error) {
	existing, err := s.store.GetTrackingNumber(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("failed to look up tracking number: %w", err)
	}
	if existing != nil {
		return existing.Number, nil
	}

	for attempt := 0; attempt < trackingAttempts; attempt++ {
		number, err := s.generateTrackingNumber()
		if err != nil {
			return "", err
		}

		err = s.store.CreateTrackingNumber(ctx, orderID, number)
		if err == nil {
			// A concurrent settlement may have inserted first; re-read
			// so every caller reports the same number.
			stored, err := s.store.GetTrackingNumber(ctx, orderID)
			if err != nil {
				return "", err
			}
			return stored.Number, nil
		}
		if errors.Is(err, store.ErrTrackingNumberTaken) {
			continue
		}
		return "", fmt.Errorf("failed to store tracking number: %w", err)
	}

	return "", fmt.Errorf("tracking number collisions exhausted %d attempts", trackingAttempts)
}

// generateTrackingNumber builds NG<YYYYMMDD><6-hex>.
func (s *OrderService) generateTrackingNumber() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return fmt.Sprintf("NG%s%s", s.now().Format("20060102"), hex.EncodeToString(buf)), nil
}

// SweepUnpaid cancels orders that never paid within the deadline.
// Concurrent webhooks for the same order are tolerated: settlement and
// cancellation both go through idempotent, transactional writes.
func (s *OrderService) SweepUnpaid(ctx context.Context, deadline time.Duration) (int, error) {
	orders, err := s.store.GetUnpaidOrdersBefore(ctx, s.now().Add(-deadline))
	if err != nil {
		return 0, fmt.Errorf("failed to list unpaid orders: %w", err)
	}

	cancelled := 0
	for i := range orders {
		err := s.Cancel(ctx, orders[i].ID, 0, "payment deadline exceeded")
		if apperr.IsKind(err, apperr.KindConflict) {
			// A webhook settled the order between the listing and the
			// cancel attempt; the store refused the transition.
			continue
		}
		if err != nil {
			s.logger.Error("Sweep failed to cancel order",
				zap.Int64("order_id", orders[i].ID),
				zap.Error(err))
			continue
		}
		cancelled++
	}
	return cancelled, nil
}
