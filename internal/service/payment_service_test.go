package service

import (
	"context"
	"fmt"
	"testing"

	"shop-service/internal/apperr"
	"shop-service/internal/gateway"
	"shop-service/internal/models"
	"shop-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPaymentService(mock *storeMock, gw gateway.Gateway, events Events) (*PaymentService, *trackingMock, *notifierMock) {
	tracking := &trackingMock{number: "NG20250615abcdef"}
	notifier := &notifierMock{}
	if events == nil {
		events = &eventsMock{}
	}
	ps := &PaymentService{
		store:          mock,
		gateways:       map[string]gateway.Gateway{models.GatewayPaystack: gw},
		eventPublisher: events,
		tracking:       tracking,
		notifier:       notifier,
		currency:       "NGN",
		callbackURL:    "https://shop.example/payment/callback",
		logger:         util.GetLogger(),
		now:            fixedNow,
	}
	return ps, tracking, notifier
}

func paidOrderStore(order *models.Order) *storeMock {
	return &storeMock{
		GetOrderByIDFn: func(_ context.Context, _ int64) (*models.Order, error) {
			return order, nil
		},
		GetOrderByReferenceFn: func(_ context.Context, reference string) (*models.Order, error) {
			if reference != order.Reference {
				return nil, nil
			}
			return order, nil
		},
	}
}

func pendingOrderForPayment() *models.Order {
	return &models.Order{
		ID:             9,
		UserID:         42,
		Reference:      "ref-9",
		PaymentStatus:  models.PaymentStatusPending,
		ShippingStatus: models.ShippingStatusPending,
		ShippingFee:    decimal.NewFromInt(500),
		Total:          decimal.NewFromInt(8500),
	}
}

func TestInitiate(t *testing.T) {
	t.Run("pending order gets a redirect and moves to processing", func(t *testing.T) {
		order := pendingOrderForPayment()
		mock := paidOrderStore(order)
		var markedStatus string
		mock.UpdatePaymentStatusFn = func(_ context.Context, _ int64, status string) error {
			markedStatus = status
			return nil
		}
		var initiated gateway.InitiateRequest
		gw := &gatewayMock{name: models.GatewayPaystack, InitiateFn: func(_ context.Context, req gateway.InitiateRequest) (*gateway.RedirectPayload, error) {
			initiated = req
			return &gateway.RedirectPayload{AuthorizationURL: "https://pay.example/x", Reference: req.Reference}, nil
		}}
		ps, _, _ := newTestPaymentService(mock, gw, nil)

		payload, err := ps.Initiate(context.Background(), 9, 42, models.GatewayPaystack, "jane@example.com")
		require.NoError(t, err)
		assert.Equal(t, "ref-9", payload.Reference)
		assert.Equal(t, "ref-9", initiated.Reference)
		assert.True(t, initiated.Amount.Equal(decimal.NewFromInt(8500)))
		assert.Equal(t, "NGN", initiated.Currency)
		assert.Equal(t, models.PaymentStatusProcessing, markedStatus)
	})

	t.Run("unknown method fails validation", func(t *testing.T) {
		ps, _, _ := newTestPaymentService(paidOrderStore(pendingOrderForPayment()), &gatewayMock{}, nil)
		_, err := ps.Initiate(context.Background(), 9, 42, "cash", "jane@example.com")
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("settled order conflicts", func(t *testing.T) {
		order := pendingOrderForPayment()
		order.PaymentStatus = models.PaymentStatusSuccessful
		ps, _, _ := newTestPaymentService(paidOrderStore(order), &gatewayMock{}, nil)
		_, err := ps.Initiate(context.Background(), 9, 42, models.GatewayPaystack, "jane@example.com")
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	})
}

func paystackChargeBody(reference string) []byte {
	return []byte(fmt.Sprintf(
		`{"event":"charge.success","data":{"id":123,"reference":%q,"status":"success","amount":850000,"currency":"NGN"}}`,
		reference))
}

func TestHandleWebhook(t *testing.T) {
	verifiedCharge := func() *gatewayMock {
		return &gatewayMock{
			name: models.GatewayPaystack,
			VerifyTransactionFn: func(_ context.Context, _ string) (*gateway.Transaction, error) {
				return &gateway.Transaction{
					TransactionID: "123",
					Succeeded:     true,
					Amount:        decimal.NewFromInt(8500),
					Currency:      "NGN",
				}, nil
			},
		}
	}

	t.Run("bad signature is unauthorized and changes nothing", func(t *testing.T) {
		mock := paidOrderStore(pendingOrderForPayment())
		recorded := false
		mock.RecordPaymentEventFn = func(_ context.Context, _ *models.PaymentEvent) (bool, error) {
			recorded = true
			return true, nil
		}
		gw := &gatewayMock{VerifyWebhookFn: func(_ []byte, _ string) error {
			return &apperr.Error{Kind: apperr.KindUnauthorized, Msg: "invalid signature"}
		}}
		ps, _, _ := newTestPaymentService(mock, gw, nil)

		err := ps.HandleWebhook(context.Background(), models.GatewayPaystack, paystackChargeBody("ref-9"), "bogus")
		assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized))
		assert.False(t, recorded)
	})

	t.Run("malformed payload fails validation", func(t *testing.T) {
		ps, _, _ := newTestPaymentService(paidOrderStore(pendingOrderForPayment()), verifiedCharge(), nil)
		err := ps.HandleWebhook(context.Background(), models.GatewayPaystack, []byte(`{"event":`), "sig")
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("unknown reference is not found", func(t *testing.T) {
		ps, _, _ := newTestPaymentService(paidOrderStore(pendingOrderForPayment()), verifiedCharge(), nil)
		err := ps.HandleWebhook(context.Background(), models.GatewayPaystack, paystackChargeBody("ref-unknown"), "sig")
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})

	t.Run("amount mismatch is rejected before anything is recorded", func(t *testing.T) {
		mock := paidOrderStore(pendingOrderForPayment())
		recorded := false
		mock.RecordPaymentEventFn = func(_ context.Context, _ *models.PaymentEvent) (bool, error) {
			recorded = true
			return true, nil
		}
		gw := &gatewayMock{VerifyTransactionFn: func(_ context.Context, _ string) (*gateway.Transaction, error) {
			return &gateway.Transaction{TransactionID: "123", Succeeded: true,
				Amount: decimal.NewFromInt(100), Currency: "NGN"}, nil
		}}
		ps, _, _ := newTestPaymentService(mock, gw, nil)

		err := ps.HandleWebhook(context.Background(), models.GatewayPaystack, paystackChargeBody("ref-9"), "sig")
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
		assert.False(t, recorded)
	})

	t.Run("verified charge records the event and publishes", func(t *testing.T) {
		mock := paidOrderStore(pendingOrderForPayment())
		var event *models.PaymentEvent
		mock.RecordPaymentEventFn = func(_ context.Context, ev *models.PaymentEvent) (bool, error) {
			event = ev
			return true, nil
		}
		var txID string
		mock.SetTransactionIDFn = func(_ context.Context, _ int64, id string) error {
			txID = id
			return nil
		}
		events := &eventsMock{}
		ps, _, _ := newTestPaymentService(mock, verifiedCharge(), events)

		err := ps.HandleWebhook(context.Background(), models.GatewayPaystack, paystackChargeBody("ref-9"), "sig")
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.Equal(t, "paystack:charge.success:123", event.EventID)
		assert.Equal(t, "123", txID)
		require.Len(t, events.confirmed, 1)
		assert.Equal(t, int64(9), events.confirmed[0].OrderID)
	})

	t.Run("replayed event id is a silent no-op", func(t *testing.T) {
		mock := paidOrderStore(pendingOrderForPayment())
		mock.RecordPaymentEventFn = func(_ context.Context, _ *models.PaymentEvent) (bool, error) {
			return false, nil
		}
		txTouched := false
		mock.SetTransactionIDFn = func(_ context.Context, _ int64, _ string) error {
			txTouched = true
			return nil
		}
		events := &eventsMock{}
		ps, _, _ := newTestPaymentService(mock, verifiedCharge(), events)

		err := ps.HandleWebhook(context.Background(), models.GatewayPaystack, paystackChargeBody("ref-9"), "sig")
		require.NoError(t, err)
		assert.False(t, txTouched)
		assert.Empty(t, events.confirmed)
	})

	t.Run("broker outage falls back to inline settlement", func(t *testing.T) {
		order := pendingOrderForPayment()
		mock := paidOrderStore(order)
		var statuses []string
		mock.UpdatePaymentStatusFn = func(_ context.Context, _ int64, status string) error {
			statuses = append(statuses, status)
			return nil
		}
		events := &eventsMock{publishErr: assert.AnError}
		ps, tracking, notifier := newTestPaymentService(mock, verifiedCharge(), events)

		err := ps.HandleWebhook(context.Background(), models.GatewayPaystack, paystackChargeBody("ref-9"), "sig")
		require.NoError(t, err)
		assert.Contains(t, statuses, models.PaymentStatusSuccessful)
		assert.Equal(t, 1, tracking.calls)
		assert.Len(t, notifier.receipts, 1)
	})

	t.Run("refund callback flips terminal success to refunded", func(t *testing.T) {
		order := pendingOrderForPayment()
		order.PaymentStatus = models.PaymentStatusSuccessful
		mock := paidOrderStore(order)
		var orderRefundStatus, paymentStatus string
		mock.SetRefundStatusFn = func(_ context.Context, _ int64, status string) error {
			orderRefundStatus = status
			return nil
		}
		mock.UpdatePaymentStatusFn = func(_ context.Context, _ int64, status string) error {
			paymentStatus = status
			return nil
		}
		events := &eventsMock{}
		ps, _, _ := newTestPaymentService(mock, &gatewayMock{}, events)

		body := []byte(`{"event":"refund.processed","data":{"id":77,"status":"processed","transaction":{"reference":"ref-9"}}}`)
		err := ps.HandleWebhook(context.Background(), models.GatewayPaystack, body, "sig")
		require.NoError(t, err)
		assert.Equal(t, models.RefundStatusProcessed, orderRefundStatus)
		assert.Equal(t, models.PaymentStatusRefunded, paymentStatus)
		require.Len(t, events.refunded, 1)
		assert.True(t, events.refunded[0].Succeeded)
	})
}

func TestSettle(t *testing.T) {
	event := &models.PaymentConfirmedEvent{OrderID: 9, Reference: "ref-9"}

	t.Run("marks paid, assigns tracking, sends receipt", func(t *testing.T) {
		order := pendingOrderForPayment()
		mock := paidOrderStore(order)
		var status string
		mock.UpdatePaymentStatusFn = func(_ context.Context, _ int64, s string) error {
			status = s
			return nil
		}
		ps, tracking, notifier := newTestPaymentService(mock, &gatewayMock{}, nil)

		require.NoError(t, ps.Settle(context.Background(), event))
		assert.Equal(t, models.PaymentStatusSuccessful, status)
		assert.Equal(t, 1, tracking.calls)
		assert.Equal(t, []string{"NG20250615abcdef"}, notifier.receipts)
	})

	t.Run("a redelivery still ensures the tracking number", func(t *testing.T) {
		// The first delivery may have crashed between the status write
		// and the tracking insert.
		order := pendingOrderForPayment()
		order.PaymentStatus = models.PaymentStatusSuccessful
		mock := paidOrderStore(order)
		touched := false
		mock.UpdatePaymentStatusFn = func(_ context.Context, _ int64, _ string) error {
			touched = true
			return nil
		}
		ps, tracking, notifier := newTestPaymentService(mock, &gatewayMock{}, nil)

		require.NoError(t, ps.Settle(context.Background(), event))
		assert.False(t, touched, "payment status must not be rewritten")
		assert.Equal(t, 1, tracking.calls)
		assert.Empty(t, notifier.receipts, "no second receipt on redelivery")
	})
}

func TestSettleZeroTotal(t *testing.T) {
	order := pendingOrderForPayment()
	order.DiscountedTotal = decimal.NullDecimal{Decimal: decimal.Zero, Valid: true}
	order.ShippingFee = decimal.Zero

	t.Run("records an internal event and publishes", func(t *testing.T) {
		mock := paidOrderStore(order)
		var event *models.PaymentEvent
		mock.RecordPaymentEventFn = func(_ context.Context, ev *models.PaymentEvent) (bool, error) {
			event = ev
			return true, nil
		}
		events := &eventsMock{}
		ps, _, _ := newTestPaymentService(mock, &gatewayMock{}, events)

		require.NoError(t, ps.SettleZeroTotal(context.Background(), order))
		require.NotNil(t, event)
		assert.Equal(t, "internal:coupon:9", event.EventID)
		assert.Equal(t, models.GatewayInternal, event.Gateway)
		require.Len(t, events.confirmed, 1)
	})

	t.Run("second call is a no-op", func(t *testing.T) {
		mock := paidOrderStore(order)
		mock.RecordPaymentEventFn = func(_ context.Context, _ *models.PaymentEvent) (bool, error) {
			return false, nil
		}
		events := &eventsMock{}
		ps, _, _ := newTestPaymentService(mock, &gatewayMock{}, events)

		require.NoError(t, ps.SettleZeroTotal(context.Background(), order))
		assert.Empty(t, events.confirmed)
	})
}

func TestIssueRefund(t *testing.T) {
	settledOrder := func() *models.Order {
		order := pendingOrderForPayment()
		order.PaymentStatus = models.PaymentStatusSuccessful
		order.PaymentMethod.String = models.GatewayPaystack
		order.PaymentMethod.Valid = true
		order.TransactionID.String = "123"
		order.TransactionID.Valid = true
		return order
	}

	t.Run("dispatches and records the refund", func(t *testing.T) {
		mock := paidOrderStore(settledOrder())
		var created *models.Refund
		mock.CreateRefundFn = func(_ context.Context, refund *models.Refund) error {
			created = refund
			return nil
		}
		var refundReq gateway.RefundRequest
		gw := &gatewayMock{RefundFn: func(_ context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
			refundReq = req
			return &gateway.RefundResult{Status: models.RefundStatusPending}, nil
		}}
		ps, _, _ := newTestPaymentService(mock, gw, nil)

		amount := decimal.NewFromInt(2700)
		result, err := ps.IssueRefund(context.Background(), 9, &amount)
		require.NoError(t, err)
		assert.Equal(t, models.RefundStatusPending, result.Status)
		assert.Equal(t, "123", refundReq.TransactionID)
		require.NotNil(t, created)
		assert.True(t, created.Amount.Equal(amount))
	})

	t.Run("no settled transaction conflicts", func(t *testing.T) {
		order := settledOrder()
		order.TransactionID.Valid = false
		ps, _, _ := newTestPaymentService(paidOrderStore(order), &gatewayMock{}, nil)

		_, err := ps.IssueRefund(context.Background(), 9, nil)
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	})

	t.Run("unpaid order conflicts", func(t *testing.T) {
		ps, _, _ := newTestPaymentService(paidOrderStore(pendingOrderForPayment()), &gatewayMock{}, nil)

		_, err := ps.IssueRefund(context.Background(), 9, nil)
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	})
}
