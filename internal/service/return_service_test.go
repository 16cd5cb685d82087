package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
	"shop-service/internal/store"
	"shop-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReturnService(mock *storeMock, refunds RefundDispatcher) *ReturnService {
	if refunds == nil {
		refunds = &refundDispatcherMock{}
	}
	return &ReturnService{
		store:            mock,
		refunds:          refunds,
		returnWindowDays: 7,
		refundPercentage: 90,
		logger:           util.GetLogger(),
		now:              fixedNow,
	}
}

func deliveredOrder(daysAgo int) *models.Order {
	return &models.Order{
		ID:             9,
		UserID:         42,
		ShippingStatus: models.ShippingStatusDelivered,
		DeliveredAt: sql.NullTime{
			Time:  fixedNow().AddDate(0, 0, -daysAgo),
			Valid: true,
		},
	}
}

func returnStoreFor(order *models.Order) *storeMock {
	return &storeMock{
		GetOrderByIDFn: func(_ context.Context, _ int64) (*models.Order, error) {
			return order, nil
		},
		GetOrderItemsByOrderIDFn: func(_ context.Context, _ int64) ([]models.OrderItem, error) {
			return []models.OrderItem{
				{ID: 1, OrderID: 9, ProductID: 1, Quantity: 2, UnitPrice: decimal.NewFromInt(1000)},
				{ID: 2, OrderID: 9, ProductID: 2, Quantity: 1, UnitPrice: decimal.NewFromInt(3000)},
			}, nil
		},
	}
}

func TestRequestReturn(t *testing.T) {
	t.Run("inside the window refunds ninety percent of returned items", func(t *testing.T) {
		mock := returnStoreFor(deliveredOrder(3))
		var created *models.Return
		mock.CreateReturnForItemsFn = func(_ context.Context, ret *models.Return, _ []int64) error {
			created = ret
			return nil
		}
		rs := newTestReturnService(mock, nil)

		ret, err := rs.RequestReturn(context.Background(), 9, 42, []int64{1})
		require.NoError(t, err)
		assert.Equal(t, models.ReturnStatusRequested, ret.Status)
		// Two units at 1000, restocked at 90 percent.
		assert.True(t, created.RefundAmount.Equal(decimal.NewFromInt(1800)),
			"got %s", created.RefundAmount)
	})

	t.Run("whole order refund sums every item", func(t *testing.T) {
		mock := returnStoreFor(deliveredOrder(3))
		var created *models.Return
		mock.CreateReturnForItemsFn = func(_ context.Context, ret *models.Return, _ []int64) error {
			created = ret
			return nil
		}
		rs := newTestReturnService(mock, nil)

		_, err := rs.RequestReturn(context.Background(), 9, 42, []int64{1, 2})
		require.NoError(t, err)
		// (2000 + 3000) * 0.9
		assert.True(t, created.RefundAmount.Equal(decimal.NewFromInt(4500)))
	})

	t.Run("eight days after delivery is too late", func(t *testing.T) {
		rs := newTestReturnService(returnStoreFor(deliveredOrder(8)), nil)

		_, err := rs.RequestReturn(context.Background(), 9, 42, []int64{1})
		assert.True(t, apperr.IsKind(err, apperr.KindExpired))
	})

	t.Run("undelivered order conflicts", func(t *testing.T) {
		order := deliveredOrder(1)
		order.ShippingStatus = models.ShippingStatusInTransit
		rs := newTestReturnService(returnStoreFor(order), nil)

		_, err := rs.RequestReturn(context.Background(), 9, 42, []int64{1})
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	})

	t.Run("an already returned item conflicts", func(t *testing.T) {
		mock := returnStoreFor(deliveredOrder(3))
		mock.CreateReturnForItemsFn = func(_ context.Context, _ *models.Return, _ []int64) error {
			return store.ErrItemsAlreadyReturned
		}
		rs := newTestReturnService(mock, nil)

		_, err := rs.RequestReturn(context.Background(), 9, 42, []int64{1, 2})
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	})

	t.Run("a second return request conflicts without touching items", func(t *testing.T) {
		mock := returnStoreFor(deliveredOrder(3))
		mock.GetReturnByOrderIDFn = func(_ context.Context, _ int64) (*models.Return, error) {
			return &models.Return{OrderID: 9, Status: models.ReturnStatusShipped}, nil
		}
		writes := 0
		mock.CreateReturnForItemsFn = func(_ context.Context, _ *models.Return, _ []int64) error {
			writes++
			return nil
		}
		rs := newTestReturnService(mock, nil)

		_, err := rs.RequestReturn(context.Background(), 9, 42, []int64{2})
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
		assert.Zero(t, writes, "a rejected request must not flag items")
	})

	t.Run("a racing duplicate return leaves no partial state", func(t *testing.T) {
		mock := returnStoreFor(deliveredOrder(3))
		mock.CreateReturnForItemsFn = func(_ context.Context, _ *models.Return, _ []int64) error {
			return store.ErrReturnExists
		}
		rs := newTestReturnService(mock, nil)

		_, err := rs.RequestReturn(context.Background(), 9, 42, []int64{2})
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	})

	t.Run("foreign items fail validation", func(t *testing.T) {
		rs := newTestReturnService(returnStoreFor(deliveredOrder(3)), nil)

		_, err := rs.RequestReturn(context.Background(), 9, 42, []int64{99})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("someone else's order is forbidden", func(t *testing.T) {
		rs := newTestReturnService(returnStoreFor(deliveredOrder(3)), nil)

		_, err := rs.RequestReturn(context.Background(), 9, 13, []int64{1})
		assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
	})
}

func TestConfirmReturnShipment(t *testing.T) {
	openReturn := func() *models.Return {
		return &models.Return{
			OrderID:      9,
			Status:       models.ReturnStatusRequested,
			RefundAmount: decimal.NewFromInt(1800),
			CreatedAt:    fixedNow().Add(-time.Hour),
		}
	}

	t.Run("records shipment and dispatches the refund", func(t *testing.T) {
		mock := returnStoreFor(deliveredOrder(3))
		mock.GetReturnByOrderIDFn = func(_ context.Context, _ int64) (*models.Return, error) {
			return openReturn(), nil
		}
		var shippedWith string
		mock.SetReturnShippedFn = func(_ context.Context, _ int64, trackingNumber string) error {
			shippedWith = trackingNumber
			return nil
		}
		refunds := &refundDispatcherMock{}
		rs := newTestReturnService(mock, refunds)

		ret, err := rs.ConfirmReturnShipment(context.Background(), 9, 42, "DHL-555")
		require.NoError(t, err)
		assert.Equal(t, models.ReturnStatusShipped, ret.Status)
		assert.Equal(t, "DHL-555", shippedWith)
		require.Len(t, refunds.amounts, 1)
		assert.True(t, refunds.amounts[0].Equal(decimal.NewFromInt(1800)))
	})

	t.Run("no open return is not found", func(t *testing.T) {
		rs := newTestReturnService(returnStoreFor(deliveredOrder(3)), nil)

		_, err := rs.ConfirmReturnShipment(context.Background(), 9, 42, "DHL-555")
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})

	t.Run("a shipped return conflicts", func(t *testing.T) {
		mock := returnStoreFor(deliveredOrder(3))
		mock.GetReturnByOrderIDFn = func(_ context.Context, _ int64) (*models.Return, error) {
			ret := openReturn()
			ret.Status = models.ReturnStatusShipped
			return ret, nil
		}
		rs := newTestReturnService(mock, nil)

		_, err := rs.ConfirmReturnShipment(context.Background(), 9, 42, "DHL-555")
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	})

	t.Run("missing tracking number fails validation", func(t *testing.T) {
		rs := newTestReturnService(returnStoreFor(deliveredOrder(3)), nil)

		_, err := rs.ConfirmReturnShipment(context.Background(), 9, 42, "")
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})
}
