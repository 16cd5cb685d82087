package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/gateway"
	"shop-service/internal/models"
	"shop-service/internal/store"
	"shop-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReturnStore is the persistence surface of the return workflow.
type ReturnStore interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	CreateReturnForItems(ctx context.Context, ret *models.Return, itemIDs []int64) error
	GetReturnByOrderID(ctx context.Context, orderID int64) (*models.Return, error)
	SetReturnShipped(ctx context.Context, orderID int64, trackingNumber string) error
}

// RefundDispatcher sends a refund for an order to its gateway.
type RefundDispatcher interface {
	IssueRefund(ctx context.Context, orderID int64, amount *decimal.Decimal) (*gateway.RefundResult, error)
}

// ReturnService handles post-delivery returns and the partial refunds
// they produce.
type ReturnService struct {
	store            ReturnStore
	refunds          RefundDispatcher
	returnWindowDays int
	refundPercentage int
	logger           *zap.Logger
	now              func() time.Time
}

// NewReturnService creates a new return service
func NewReturnService(store ReturnStore, refunds RefundDispatcher, returnWindowDays, refundPercentage int) *ReturnService {
	return &ReturnService{
		store:            store,
		refunds:          refunds,
		returnWindowDays: returnWindowDays,
		refundPercentage: refundPercentage,
		logger:           util.GetLogger(),
		now:              time.Now,
	}
}

// RequestReturn registers a return for delivered items inside the
// return window. The refund amount is the returned items' cost at the
// restocking percentage; the refund itself is dispatched only after
// the customer ships the items back.
func (rs *ReturnService) RequestReturn(ctx context.Context, orderID, userID int64, itemIDs []int64) (*models.Return, error) {
	ctx, span := util.StartSpan(ctx, "ReturnService.RequestReturn")
	defer span.End()

	if len(itemIDs) == 0 {
		return nil, apperr.Validationf("no items selected for return")
	}

	order, err := rs.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, apperr.NotFoundf("order not found")
	}
	if order.UserID != userID {
		return nil, apperr.Forbiddenf("order belongs to another user")
	}
	if order.ShippingStatus != models.ShippingStatusDelivered || !order.DeliveredAt.Valid {
		return nil, apperr.Conflictf("only delivered orders can be returned")
	}

	deadline := order.DeliveredAt.Time.AddDate(0, 0, rs.returnWindowDays)
	if rs.now().After(deadline) {
		return nil, apperr.Expiredf("return window of %d days has passed", rs.returnWindowDays)
	}

	existing, err := rs.store.GetReturnByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up return: %w", err)
	}
	if existing != nil {
		return nil, apperr.Conflictf("a return already exists for this order")
	}

	items, err := rs.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}

	byID := make(map[int64]*models.OrderItem, len(items))
	for i := range items {
		byID[items[i].ID] = &items[i]
	}

	refundAmount := decimal.Zero
	for _, id := range itemIDs {
		item, ok := byID[id]
		if !ok {
			return nil, apperr.Validationf("item %d does not belong to this order", id)
		}
		refundAmount = refundAmount.Add(item.Cost())
	}
	refundAmount = refundAmount.
		Mul(decimal.NewFromInt(int64(rs.refundPercentage))).
		Div(decimal.NewFromInt(100))

	ret := &models.Return{
		OrderID:      orderID,
		Status:       models.ReturnStatusRequested,
		RefundAmount: refundAmount,
	}
	if err := rs.store.CreateReturnForItems(ctx, ret, itemIDs); err != nil {
		if errors.Is(err, store.ErrItemsAlreadyReturned) {
			return nil, apperr.Conflictf("some items were already returned")
		}
		if errors.Is(err, store.ErrReturnExists) {
			return nil, apperr.Conflictf("a return already exists for this order")
		}
		return nil, fmt.Errorf("failed to record return: %w", err)
	}

	util.ReturnsRequestedTotal.Inc()
	rs.logger.Info("Return requested",
		zap.Int64("order_id", orderID),
		zap.Int("items", len(itemIDs)),
		zap.String("refund_amount", refundAmount.String()))
	return ret, nil
}

// ConfirmReturnShipment records the customer's return tracking number
// and dispatches the partial refund to the order's gateway.
func (rs *ReturnService) ConfirmReturnShipment(ctx context.Context, orderID, userID int64, trackingNumber string) (*models.Return, error) {
	ctx, span := util.StartSpan(ctx, "ReturnService.ConfirmReturnShipment")
	defer span.End()

	if trackingNumber == "" {
		return nil, apperr.Validationf("tracking number is required")
	}

	order, err := rs.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, apperr.NotFoundf("order not found")
	}
	if order.UserID != userID {
		return nil, apperr.Forbiddenf("order belongs to another user")
	}

	ret, err := rs.store.GetReturnByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load return: %w", err)
	}
	if ret == nil {
		return nil, apperr.NotFoundf("no return requested for this order")
	}
	if ret.Status != models.ReturnStatusRequested {
		return nil, apperr.Conflictf("return is already %s", ret.Status)
	}

	if err := rs.store.SetReturnShipped(ctx, orderID, trackingNumber); err != nil {
		return nil, fmt.Errorf("failed to record return shipment: %w", err)
	}
	ret.Status = models.ReturnStatusShipped

	amount := ret.RefundAmount
	if _, err := rs.refunds.IssueRefund(ctx, orderID, &amount); err != nil {
		// The return stays shipped; the refund can be re-dispatched.
		rs.logger.Error("Failed to dispatch return refund",
			zap.Int64("order_id", orderID),
			zap.Error(err))
		return nil, err
	}

	rs.logger.Info("Return shipment confirmed, refund dispatched",
		zap.Int64("order_id", orderID),
		zap.String("tracking_number", trackingNumber))
	return ret, nil
}
