package service

import (
	"context"
	"fmt"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
	"shop-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DiscountStore is the persistence surface the discount engine needs.
type DiscountStore interface {
	GetDiscountByID(ctx context.Context, id int64) (*models.Discount, error)
	GetActiveProductDiscount(ctx context.Context, productID int64, now time.Time) (*models.Discount, error)
	GetDiscountTiers(ctx context.Context, discountID int64) ([]models.DiscountTier, error)
	SetProductDiscountedPrice(ctx context.Context, productID int64, price decimal.NullDecimal) error
	SetDiscountedTotal(ctx context.Context, orderID int64, total decimal.Decimal) error
	SetShippingFee(ctx context.Context, orderID int64, fee decimal.Decimal) error
	HasSuccessfulOrder(ctx context.Context, userID int64) (bool, error)
}

// DiscountService computes and persists discounted prices and totals.
type DiscountService struct {
	store  DiscountStore
	logger *zap.Logger
	now    func() time.Time
}

// NewDiscountService creates a new discount engine
func NewDiscountService(store DiscountStore) *DiscountService {
	return &DiscountService{
		store:  store,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

var hundred = decimal.NewFromInt(100)

// computePrice applies a percentage or fixed-amount reduction. Fixed
// amounts clamp at zero so a discount never produces a negative price.
func computePrice(price decimal.Decimal, discountType string, value decimal.Decimal) decimal.Decimal {
	switch discountType {
	case models.DiscountTypePercentage, models.DiscountTypeFirstPurchase:
		return price.Mul(hundred.Sub(value)).Div(hundred)
	case models.DiscountTypeFixedAmount:
		result := price.Sub(value)
		if result.IsNegative() {
			return decimal.Zero
		}
		return result
	default:
		return price
	}
}

// ApplyProductDiscount refreshes a product's discounted price from its
// linked discount. An absent or expired link clears the field. The
// result is persisted and returned; null means no discount is active.
func (ds *DiscountService) ApplyProductDiscount(ctx context.Context, product *models.Product) (decimal.NullDecimal, error) {
	ctx, span := util.StartSpan(ctx, "DiscountService.ApplyProductDiscount")
	defer span.End()

	discount, err := ds.store.GetActiveProductDiscount(ctx, product.ID, ds.now())
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("failed to look up product discount: %w", err)
	}

	var price decimal.NullDecimal
	if discount != nil {
		computed := computePrice(product.Price, discount.Type, discount.Value)
		// discounted_price must stay strictly below price; a
		// zero-effect discount clears the field instead.
		if computed.LessThan(product.Price) {
			price = decimal.NullDecimal{Decimal: computed, Valid: true}
		}
	}

	if err := ds.store.SetProductDiscountedPrice(ctx, product.ID, price); err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("failed to persist discounted price: %w", err)
	}

	product.DiscountedPrice = price
	return price, nil
}

// ApplyOrderDiscount reduces the order subtotal (shipping excluded) by
// the given policy and persists the discounted total.
func (ds *DiscountService) ApplyOrderDiscount(ctx context.Context, order *models.Order, discountType string, value decimal.Decimal) (decimal.Decimal, error) {
	ctx, span := util.StartSpan(ctx, "DiscountService.ApplyOrderDiscount")
	defer span.End()

	discounted := computePrice(order.Subtotal(), discountType, value)

	if err := ds.store.SetDiscountedTotal(ctx, order.ID, discounted); err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to persist discounted total: %w", err)
	}

	order.DiscountedTotal = decimal.NullDecimal{Decimal: discounted, Valid: true}
	return discounted, nil
}

// TieredOutcome describes what a tiered discount did to the order.
type TieredOutcome struct {
	Tier            *models.DiscountTier
	FreeShipping    bool
	DiscountedTotal decimal.NullDecimal
}

// ApplyTieredDiscount selects the richest tier the order subtotal
// qualifies for and applies its single effect: waive shipping or reduce
// the subtotal. Ties at the same threshold resolve to the higher
// percentage value, with any percentage tier outranking a free-shipping
// tier.
func (ds *DiscountService) ApplyTieredDiscount(ctx context.Context, order *models.Order, discount *models.Discount) (*TieredOutcome, error) {
	ctx, span := util.StartSpan(ctx, "DiscountService.ApplyTieredDiscount")
	defer span.End()

	if !discount.ActiveAt(ds.now()) {
		return nil, apperr.Expiredf("discount %d is outside its validity window", discount.ID)
	}

	tiers, err := ds.store.GetDiscountTiers(ctx, discount.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load discount tiers: %w", err)
	}

	subtotal := order.Subtotal()
	var selected *models.DiscountTier
	for i := range tiers {
		tier := &tiers[i]
		if tier.MinAmount.GreaterThan(subtotal) {
			continue
		}
		if selected == nil || tierOutranks(tier, selected) {
			selected = tier
		}
	}

	if selected == nil {
		return &TieredOutcome{}, nil
	}

	outcome := &TieredOutcome{Tier: selected}
	if selected.FreeShipping {
		if err := ds.store.SetShippingFee(ctx, order.ID, decimal.Zero); err != nil {
			return nil, fmt.Errorf("failed to waive shipping fee: %w", err)
		}
		order.Total = order.Total.Sub(order.ShippingFee)
		order.ShippingFee = decimal.Zero
		outcome.FreeShipping = true
		return outcome, nil
	}

	discounted := computePrice(subtotal, models.DiscountTypePercentage, selected.Value)
	if err := ds.store.SetDiscountedTotal(ctx, order.ID, discounted); err != nil {
		return nil, fmt.Errorf("failed to persist discounted total: %w", err)
	}
	order.DiscountedTotal = decimal.NullDecimal{Decimal: discounted, Valid: true}
	outcome.DiscountedTotal = order.DiscountedTotal

	ds.logger.Info("Tiered discount applied",
		zap.Int64("order_id", order.ID),
		zap.Int64("tier_id", selected.ID))
	return outcome, nil
}

// tierOutranks orders candidate tiers: higher threshold first, then
// higher percentage value, then percentage over free shipping.
func tierOutranks(a, b *models.DiscountTier) bool {
	if !a.MinAmount.Equal(b.MinAmount) {
		return a.MinAmount.GreaterThan(b.MinAmount)
	}
	if !a.Value.Equal(b.Value) {
		return a.Value.GreaterThan(b.Value)
	}
	return !a.FreeShipping && b.FreeShipping
}

// OrderDiscountForUser resolves a discount's effective policy for a
// user. First-purchase discounts only hold for users with no previously
// paid order.
func (ds *DiscountService) OrderDiscountForUser(ctx context.Context, userID int64, discount *models.Discount) (string, decimal.Decimal, error) {
	if discount.Type != models.DiscountTypeFirstPurchase {
		return discount.Type, discount.Value, nil
	}

	purchased, err := ds.store.HasSuccessfulOrder(ctx, userID)
	if err != nil {
		return "", decimal.Decimal{}, fmt.Errorf("failed to check purchase history: %w", err)
	}
	if purchased {
		return "", decimal.Decimal{}, apperr.Validationf("discount only applies to a first purchase")
	}
	return models.DiscountTypeFirstPurchase, discount.Value, nil
}
