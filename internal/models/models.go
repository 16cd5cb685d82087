package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Category groups products. Deleting a category keeps its products
// (FK is SET NULL).
type Category struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Product represents a catalog item
type Product struct {
	ID              int64               `db:"id" json:"id"`
	CategoryID      sql.NullInt64       `db:"category_id" json:"category_id,omitempty"`
	Name            string              `db:"name" json:"name"`
	Price           decimal.Decimal     `db:"price" json:"price"`
	DiscountedPrice decimal.NullDecimal `db:"discounted_price" json:"discounted_price,omitempty"`
	Stock           int                 `db:"stock" json:"stock"`
	Available       bool                `db:"available" json:"available"`
	CreatedAt       time.Time           `db:"created_at" json:"created_at"`
}

// EffectivePrice returns the discounted price when one is active,
// otherwise the list price.
func (p *Product) EffectivePrice() decimal.Decimal {
	if p.DiscountedPrice.Valid && !p.DiscountedPrice.Decimal.IsZero() {
		return p.DiscountedPrice.Decimal
	}
	return p.Price
}

// Order represents a customer order. Shipping address fields are a
// snapshot taken at creation time and never follow later profile edits.
type Order struct {
	ID              int64               `db:"id" json:"id"`
	UserID          int64               `db:"user_id" json:"user_id"`
	Reference       string              `db:"reference" json:"reference"`
	PaymentStatus   string              `db:"payment_status" json:"payment_status"`
	ShippingStatus  string              `db:"shipping_status" json:"shipping_status"`
	PaymentMethod   sql.NullString      `db:"payment_method" json:"payment_method,omitempty"`
	ShippingState   string              `db:"shipping_state" json:"shipping_state"`
	ShippingCity    string              `db:"shipping_city" json:"shipping_city"`
	ShippingStreet  string              `db:"shipping_street" json:"shipping_street"`
	ShippingFee     decimal.Decimal     `db:"shipping_fee" json:"shipping_fee"`
	Total           decimal.Decimal     `db:"total" json:"total"`
	DiscountedTotal decimal.NullDecimal `db:"discounted_total" json:"discounted_total,omitempty"`
	TransactionID   sql.NullString      `db:"transaction_id" json:"transaction_id,omitempty"`
	RefundStatus    sql.NullString      `db:"refund_status" json:"refund_status,omitempty"`
	ProcessingAt    sql.NullTime        `db:"processing_at" json:"processing_at,omitempty"`
	InTransitAt     sql.NullTime        `db:"in_transit_at" json:"in_transit_at,omitempty"`
	DeliveredAt     sql.NullTime        `db:"delivered_at" json:"delivered_at,omitempty"`
	CancelledAt     sql.NullTime        `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt       time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time           `db:"updated_at" json:"updated_at"`
}

// Subtotal returns the order total excluding the shipping fee.
func (o *Order) Subtotal() decimal.Decimal {
	return o.Total.Sub(o.ShippingFee)
}

// PayableTotal returns the amount actually owed. DiscountedTotal holds
// the discounted subtotal, so the shipping fee is added back on top.
func (o *Order) PayableTotal() decimal.Decimal {
	if o.DiscountedTotal.Valid {
		return o.DiscountedTotal.Decimal.Add(o.ShippingFee)
	}
	return o.Total
}

// OrderItem is an immutable line item priced at purchase time.
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   int64           `db:"order_id" json:"order_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
	Returned  bool            `db:"returned" json:"returned"`
}

// Cost returns unit price times quantity.
func (i *OrderItem) Cost() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ShippingAddress is the input snapshot for order creation.
type ShippingAddress struct {
	State  string          `json:"state"`
	City   string          `json:"city"`
	Street string          `json:"street"`
	Fee    decimal.Decimal `json:"fee"`
}

// Discount is a pricing policy with a validity window.
type Discount struct {
	ID        int64           `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Type      string          `db:"type" json:"type"`
	Value     decimal.Decimal `db:"value" json:"value"`
	StartDate time.Time       `db:"start_date" json:"start_date"`
	EndDate   time.Time       `db:"end_date" json:"end_date"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// ActiveAt reports whether now falls inside the validity window.
func (d *Discount) ActiveAt(now time.Time) bool {
	return !now.Before(d.StartDate) && !now.After(d.EndDate)
}

// DiscountTier is one spending threshold of a tiered discount. A tier
// either waives shipping or reduces the subtotal by a percentage,
// never both; enforced when tiers are defined.
type DiscountTier struct {
	ID           int64           `db:"id" json:"id"`
	DiscountID   int64           `db:"discount_id" json:"discount_id"`
	MinAmount    decimal.Decimal `db:"min_amount" json:"min_amount"`
	Value        decimal.Decimal `db:"value" json:"value"`
	FreeShipping bool            `db:"free_shipping" json:"free_shipping"`
}

// ProductDiscount links a product to a discount policy.
type ProductDiscount struct {
	ProductID  int64 `db:"product_id" json:"product_id"`
	DiscountID int64 `db:"discount_id" json:"discount_id"`
}

// Coupon is a redeemable code tied to a discount, capped by usage_limit.
type Coupon struct {
	ID         int64     `db:"id" json:"id"`
	Code       string    `db:"code" json:"code"`
	DiscountID int64     `db:"discount_id" json:"discount_id"`
	UsageLimit int       `db:"usage_limit" json:"usage_limit"`
	UsedCount  int       `db:"used_count" json:"used_count"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// CouponUsage records one coupon application per order. The unique
// (coupon_id, order_id) constraint is the idempotency guard.
type CouponUsage struct {
	ID        int64     `db:"id" json:"id"`
	CouponID  int64     `db:"coupon_id" json:"coupon_id"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// TrackingNumber is generated once per order when payment first
// succeeds. Number is globally unique, collisions retried.
type TrackingNumber struct {
	ID        int64     `db:"id" json:"id"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	Number    string    `db:"number" json:"number"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// PaymentEvent records an external gateway event id so webhook replays
// are discarded without reprocessing.
type PaymentEvent struct {
	ID         int64     `db:"id" json:"id"`
	EventID    string    `db:"event_id" json:"event_id"`
	Gateway    string    `db:"gateway" json:"gateway"`
	OrderID    int64     `db:"order_id" json:"order_id"`
	Status     string    `db:"status" json:"status"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`
}

// Return tracks a delivered order's return request. RefundAmount is
// computed at submission; the refund is dispatched only once the
// return parcel carries a tracking number.
type Return struct {
	ID             int64           `db:"id" json:"id"`
	OrderID        int64           `db:"order_id" json:"order_id"`
	Status         string          `db:"status" json:"status"`
	RefundAmount   decimal.Decimal `db:"refund_amount" json:"refund_amount"`
	TrackingNumber sql.NullString  `db:"tracking_number" json:"tracking_number,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// Refund is a dispatched refund request against a gateway.
type Refund struct {
	ID            int64           `db:"id" json:"id"`
	OrderID       int64           `db:"order_id" json:"order_id"`
	Gateway       string          `db:"gateway" json:"gateway"`
	TransactionID string          `db:"transaction_id" json:"transaction_id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Status        string          `db:"status" json:"status"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// CartLine is a stored cart entry: quantity plus price snapshots
// refreshed on every read.
type CartLine struct {
	ProductID       int64           `json:"product_id"`
	Quantity        int             `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	DiscountedPrice decimal.Decimal `json:"discounted_price"`
}

// CartItemView is one iterated cart line joined against the live
// product record.
type CartItemView struct {
	Product         *Product        `json:"product"`
	Quantity        int             `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	DiscountedPrice decimal.Decimal `json:"discounted_price"`
	TotalPrice      decimal.Decimal `json:"total_price"`
}

// Payment statuses
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusSuccessful = "successful"
	PaymentStatusCancelled  = "cancelled"
	PaymentStatusRefunded   = "refunded"
)

// Shipping statuses
const (
	ShippingStatusPending    = "pending"
	ShippingStatusProcessing = "processing"
	ShippingStatusInTransit  = "in_transit"
	ShippingStatusDelivered  = "delivered"
	ShippingStatusCancelled  = "cancelled"
)

// Discount types
const (
	DiscountTypePercentage    = "percentage"
	DiscountTypeFixedAmount   = "fixed_amount"
	DiscountTypeTiered        = "tiered"
	DiscountTypeFirstPurchase = "first_purchase"
	DiscountTypeFreeShipping  = "free_shipping"
)

// Return statuses
const (
	ReturnStatusRequested = "requested"
	ReturnStatusShipped   = "shipped"
	ReturnStatusRefunded  = "refunded"
)

// Refund statuses reported by gateways
const (
	RefundStatusPending    = "pending"
	RefundStatusProcessing = "processing"
	RefundStatusFailed     = "failed"
	RefundStatusProcessed  = "processed"
	RefundStatusCompleted  = "completed"
)

// Gateway identifiers
const (
	GatewayPaystack    = "paystack"
	GatewayFlutterwave = "flutterwave"
	GatewayInternal    = "internal"
)
