package service

import (
	"context"
	"sync"
	"time"

	"shop-service/internal/gateway"
	"shop-service/internal/models"

	"github.com/shopspring/decimal"
)

// storeMock satisfies the service store interfaces with overridable
// func fields. Unset fields return zero values.
type storeMock struct {
	GetProductByIDFn           func(ctx context.Context, id int64) (*models.Product, error)
	GetProductsByIDsFn         func(ctx context.Context, ids []int64) ([]models.Product, error)
	GetDiscountByIDFn          func(ctx context.Context, id int64) (*models.Discount, error)
	GetActiveProductDiscountFn func(ctx context.Context, productID int64, now time.Time) (*models.Discount, error)
	GetDiscountTiersFn         func(ctx context.Context, discountID int64) ([]models.DiscountTier, error)
	SetProductDiscountedPriceFn func(ctx context.Context, productID int64, price decimal.NullDecimal) error
	SetDiscountedTotalFn       func(ctx context.Context, orderID int64, total decimal.Decimal) error
	SetShippingFeeFn           func(ctx context.Context, orderID int64, fee decimal.Decimal) error
	HasSuccessfulOrderFn       func(ctx context.Context, userID int64) (bool, error)

	GetCouponByCodeFn func(ctx context.Context, code string) (*models.Coupon, error)
	ApplyCouponFn     func(ctx context.Context, couponID, orderID int64, discountedTotal decimal.Decimal) error

	CreateOrderFn            func(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrderByIDFn           func(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByReferenceFn    func(ctx context.Context, reference string) (*models.Order, error)
	GetOrdersByUserIDFn      func(ctx context.Context, userID int64) ([]models.Order, error)
	GetOrderItemsByOrderIDFn func(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetUnpaidOrdersBeforeFn  func(ctx context.Context, cutoff time.Time) ([]models.Order, error)
	CancelOrderFn            func(ctx context.Context, orderID int64) (bool, error)
	UpdateShippingStatusFn   func(ctx context.Context, orderID int64, status string) error
	GetTrackingNumberFn      func(ctx context.Context, orderID int64) (*models.TrackingNumber, error)
	CreateTrackingNumberFn   func(ctx context.Context, orderID int64, number string) error

	UpdatePaymentStatusFn func(ctx context.Context, orderID int64, status string) error
	UpdatePaymentMethodFn func(ctx context.Context, orderID int64, method string) error
	RecordPaymentEventFn  func(ctx context.Context, ev *models.PaymentEvent) (bool, error)
	SetTransactionIDFn    func(ctx context.Context, orderID int64, txID string) error
	SetRefundStatusFn     func(ctx context.Context, orderID int64, status string) error
	CreateRefundFn        func(ctx context.Context, refund *models.Refund) error
	GetRefundByOrderIDFn  func(ctx context.Context, orderID int64) (*models.Refund, error)
	UpdateRefundStatusFn  func(ctx context.Context, orderID int64, status string) error

	CreateReturnForItemsFn func(ctx context.Context, ret *models.Return, itemIDs []int64) error
	GetReturnByOrderIDFn func(ctx context.Context, orderID int64) (*models.Return, error)
	SetReturnShippedFn  func(ctx context.Context, orderID int64, trackingNumber string) error
}

func (m *storeMock) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	if m.GetProductByIDFn != nil {
		return m.GetProductByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *storeMock) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if m.GetProductsByIDsFn != nil {
		return m.GetProductsByIDsFn(ctx, ids)
	}
	return nil, nil
}

func (m *storeMock) GetDiscountByID(ctx context.Context, id int64) (*models.Discount, error) {
	if m.GetDiscountByIDFn != nil {
		return m.GetDiscountByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *storeMock) GetActiveProductDiscount(ctx context.Context, productID int64, now time.Time) (*models.Discount, error) {
	if m.GetActiveProductDiscountFn != nil {
		return m.GetActiveProductDiscountFn(ctx, productID, now)
	}
	return nil, nil
}

func (m *storeMock) GetDiscountTiers(ctx context.Context, discountID int64) ([]models.DiscountTier, error) {
	if m.GetDiscountTiersFn != nil {
		return m.GetDiscountTiersFn(ctx, discountID)
	}
	return nil, nil
}

func (m *storeMock) SetProductDiscountedPrice(ctx context.Context, productID int64, price decimal.NullDecimal) error {
	if m.SetProductDiscountedPriceFn != nil {
		return m.SetProductDiscountedPriceFn(ctx, productID, price)
	}
	return nil
}

func (m *storeMock) SetDiscountedTotal(ctx context.Context, orderID int64, total decimal.Decimal) error {
	if m.SetDiscountedTotalFn != nil {
		return m.SetDiscountedTotalFn(ctx, orderID, total)
	}
	return nil
}

func (m *storeMock) SetShippingFee(ctx context.Context, orderID int64, fee decimal.Decimal) error {
	if m.SetShippingFeeFn != nil {
		return m.SetShippingFeeFn(ctx, orderID, fee)
	}
	return nil
}

func (m *storeMock) HasSuccessfulOrder(ctx context.Context, userID int64) (bool, error) {
	if m.HasSuccessfulOrderFn != nil {
		return m.HasSuccessfulOrderFn(ctx, userID)
	}
	return false, nil
}

func (m *storeMock) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	if m.GetCouponByCodeFn != nil {
		return m.GetCouponByCodeFn(ctx, code)
	}
	return nil, nil
}

func (m *storeMock) ApplyCoupon(ctx context.Context, couponID, orderID int64, discountedTotal decimal.Decimal) error {
	if m.ApplyCouponFn != nil {
		return m.ApplyCouponFn(ctx, couponID, orderID, discountedTotal)
	}
	return nil
}

func (m *storeMock) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	if m.CreateOrderFn != nil {
		return m.CreateOrderFn(ctx, order, items)
	}
	return nil
}

func (m *storeMock) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	if m.GetOrderByIDFn != nil {
		return m.GetOrderByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *storeMock) GetOrderByReference(ctx context.Context, reference string) (*models.Order, error) {
	if m.GetOrderByReferenceFn != nil {
		return m.GetOrderByReferenceFn(ctx, reference)
	}
	return nil, nil
}

func (m *storeMock) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	if m.GetOrdersByUserIDFn != nil {
		return m.GetOrdersByUserIDFn(ctx, userID)
	}
	return nil, nil
}

func (m *storeMock) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	if m.GetOrderItemsByOrderIDFn != nil {
		return m.GetOrderItemsByOrderIDFn(ctx, orderID)
	}
	return nil, nil
}

func (m *storeMock) GetUnpaidOrdersBefore(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	if m.GetUnpaidOrdersBeforeFn != nil {
		return m.GetUnpaidOrdersBeforeFn(ctx, cutoff)
	}
	return nil, nil
}

func (m *storeMock) CancelOrder(ctx context.Context, orderID int64) (bool, error) {
	if m.CancelOrderFn != nil {
		return m.CancelOrderFn(ctx, orderID)
	}
	return true, nil
}

func (m *storeMock) UpdateShippingStatus(ctx context.Context, orderID int64, status string) error {
	if m.UpdateShippingStatusFn != nil {
		return m.UpdateShippingStatusFn(ctx, orderID, status)
	}
	return nil
}

func (m *storeMock) GetTrackingNumber(ctx context.Context, orderID int64) (*models.TrackingNumber, error) {
	if m.GetTrackingNumberFn != nil {
		return m.GetTrackingNumberFn(ctx, orderID)
	}
	return nil, nil
}

func (m *storeMock) CreateTrackingNumber(ctx context.Context, orderID int64, number string) error {
	if m.CreateTrackingNumberFn != nil {
		return m.CreateTrackingNumberFn(ctx, orderID, number)
	}
	return nil
}

func (m *storeMock) UpdatePaymentStatus(ctx context.Context, orderID int64, status string) error {
	if m.UpdatePaymentStatusFn != nil {
		return m.UpdatePaymentStatusFn(ctx, orderID, status)
	}
	return nil
}

func (m *storeMock) UpdatePaymentMethod(ctx context.Context, orderID int64, method string) error {
	if m.UpdatePaymentMethodFn != nil {
		return m.UpdatePaymentMethodFn(ctx, orderID, method)
	}
	return nil
}

func (m *storeMock) RecordPaymentEvent(ctx context.Context, ev *models.PaymentEvent) (bool, error) {
	if m.RecordPaymentEventFn != nil {
		return m.RecordPaymentEventFn(ctx, ev)
	}
	return true, nil
}

func (m *storeMock) SetTransactionID(ctx context.Context, orderID int64, txID string) error {
	if m.SetTransactionIDFn != nil {
		return m.SetTransactionIDFn(ctx, orderID, txID)
	}
	return nil
}

func (m *storeMock) SetRefundStatus(ctx context.Context, orderID int64, status string) error {
	if m.SetRefundStatusFn != nil {
		return m.SetRefundStatusFn(ctx, orderID, status)
	}
	return nil
}

func (m *storeMock) CreateRefund(ctx context.Context, refund *models.Refund) error {
	if m.CreateRefundFn != nil {
		return m.CreateRefundFn(ctx, refund)
	}
	return nil
}

func (m *storeMock) GetRefundByOrderID(ctx context.Context, orderID int64) (*models.Refund, error) {
	if m.GetRefundByOrderIDFn != nil {
		return m.GetRefundByOrderIDFn(ctx, orderID)
	}
	return nil, nil
}

func (m *storeMock) UpdateRefundStatus(ctx context.Context, orderID int64, status string) error {
	if m.UpdateRefundStatusFn != nil {
		return m.UpdateRefundStatusFn(ctx, orderID, status)
	}
	return nil
}

func (m *storeMock) CreateReturnForItems(ctx context.Context, ret *models.Return, itemIDs []int64) error {
	if m.CreateReturnForItemsFn != nil {
		return m.CreateReturnForItemsFn(ctx, ret, itemIDs)
	}
	return nil
}

func (m *storeMock) GetReturnByOrderID(ctx context.Context, orderID int64) (*models.Return, error) {
	if m.GetReturnByOrderIDFn != nil {
		return m.GetReturnByOrderIDFn(ctx, orderID)
	}
	return nil, nil
}

func (m *storeMock) SetReturnShipped(ctx context.Context, orderID int64, trackingNumber string) error {
	if m.SetReturnShippedFn != nil {
		return m.SetReturnShippedFn(ctx, orderID, trackingNumber)
	}
	return nil
}

// memoryCartBackend is an in-memory CartBackend for tests.
type memoryCartBackend struct {
	mu    sync.Mutex
	carts map[string]map[int64]models.CartLine
}

func newMemoryCartBackend() *memoryCartBackend {
	return &memoryCartBackend{carts: make(map[string]map[int64]models.CartLine)}
}

func (b *memoryCartBackend) AddCartLine(_ context.Context, key string, line models.CartLine, override bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cart, ok := b.carts[key]
	if !ok {
		cart = make(map[int64]models.CartLine)
		b.carts[key] = cart
	}
	if existing, ok := cart[line.ProductID]; ok && !override {
		line.Quantity += existing.Quantity
	}
	cart[line.ProductID] = line
	return line.Quantity, nil
}

func (b *memoryCartBackend) GetCartLines(_ context.Context, key string) ([]models.CartLine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := make([]models.CartLine, 0, len(b.carts[key]))
	for _, line := range b.carts[key] {
		lines = append(lines, line)
	}
	return lines, nil
}

func (b *memoryCartBackend) WriteCartLines(_ context.Context, key string, lines []models.CartLine) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cart, ok := b.carts[key]
	if !ok {
		cart = make(map[int64]models.CartLine)
		b.carts[key] = cart
	}
	for _, line := range lines {
		cart[line.ProductID] = line
	}
	return nil
}

func (b *memoryCartBackend) RemoveCartLine(_ context.Context, key string, productID int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cart, ok := b.carts[key]
	if !ok {
		return false, nil
	}
	if _, ok := cart[productID]; !ok {
		return false, nil
	}
	delete(cart, productID)
	return true, nil
}

func (b *memoryCartBackend) ClearCart(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.carts, key)
	return nil
}

// eventsMock records published domain events.
type eventsMock struct {
	mu        sync.Mutex
	confirmed []*models.PaymentConfirmedEvent
	refunded  []*models.RefundProcessedEvent
	cancelled []*models.OrderCancelledEvent
	publishErr error
}

func (m *eventsMock) PublishPaymentConfirmed(_ context.Context, event *models.PaymentConfirmedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.confirmed = append(m.confirmed, event)
	return nil
}

func (m *eventsMock) PublishRefundProcessed(_ context.Context, event *models.RefundProcessedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.refunded = append(m.refunded, event)
	return nil
}

func (m *eventsMock) PublishOrderCancelled(_ context.Context, event *models.OrderCancelledEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.cancelled = append(m.cancelled, event)
	return nil
}

// gatewayMock satisfies gateway.Gateway with overridable func fields.
type gatewayMock struct {
	name                string
	InitiateFn          func(ctx context.Context, req gateway.InitiateRequest) (*gateway.RedirectPayload, error)
	VerifyWebhookFn     func(body []byte, signature string) error
	VerifyTransactionFn func(ctx context.Context, reference string) (*gateway.Transaction, error)
	RefundFn            func(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error)
}

func (m *gatewayMock) Name() string { return m.name }

func (m *gatewayMock) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.RedirectPayload, error) {
	if m.InitiateFn != nil {
		return m.InitiateFn(ctx, req)
	}
	return &gateway.RedirectPayload{AuthorizationURL: "https://checkout.example/" + req.Reference, Reference: req.Reference}, nil
}

func (m *gatewayMock) VerifyWebhook(body []byte, signature string) error {
	if m.VerifyWebhookFn != nil {
		return m.VerifyWebhookFn(body, signature)
	}
	return nil
}

func (m *gatewayMock) VerifyTransaction(ctx context.Context, reference string) (*gateway.Transaction, error) {
	if m.VerifyTransactionFn != nil {
		return m.VerifyTransactionFn(ctx, reference)
	}
	return &gateway.Transaction{Succeeded: true}, nil
}

func (m *gatewayMock) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	if m.RefundFn != nil {
		return m.RefundFn(ctx, req)
	}
	return &gateway.RefundResult{Status: models.RefundStatusPending}, nil
}

// settlerMock records zero-total settlements.
type settlerMock struct {
	settled []int64
	err     error
}

func (m *settlerMock) SettleZeroTotal(_ context.Context, order *models.Order) error {
	if m.err != nil {
		return m.err
	}
	m.settled = append(m.settled, order.ID)
	return nil
}

// trackingMock satisfies TrackingAssigner.
type trackingMock struct {
	number string
	err    error
	calls  int
}

func (m *trackingMock) EnsureTrackingNumber(_ context.Context, _ int64) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.number, nil
}

// notifierMock records notifications.
type notifierMock struct {
	receipts      []string
	refundNotices []string
}

func (m *notifierMock) SendReceipt(_ context.Context, _ *models.Order, trackingNumber string) error {
	m.receipts = append(m.receipts, trackingNumber)
	return nil
}

func (m *notifierMock) SendRefundNotice(_ context.Context, _ *models.Order, status string) error {
	m.refundNotices = append(m.refundNotices, status)
	return nil
}

// refundDispatcherMock satisfies RefundDispatcher.
type refundDispatcherMock struct {
	amounts []decimal.Decimal
	err     error
}

func (m *refundDispatcherMock) IssueRefund(_ context.Context, _ int64, amount *decimal.Decimal) (*gateway.RefundResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	if amount != nil {
		m.amounts = append(m.amounts, *amount)
	}
	return &gateway.RefundResult{Status: models.RefundStatusPending}, nil
}
