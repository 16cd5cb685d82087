package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
	"shop-service/internal/store"
	"shop-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CouponStore is the persistence surface of the coupon ledger.
type CouponStore interface {
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	GetDiscountByID(ctx context.Context, id int64) (*models.Discount, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	ApplyCoupon(ctx context.Context, couponID, orderID int64, discountedTotal decimal.Decimal) error
}

// Settler settles an order whose final total a discount fully offset,
// through the same path webhook confirmations take.
type Settler interface {
	SettleZeroTotal(ctx context.Context, order *models.Order) error
}

// CouponService validates coupon codes and records their one-use-per-
// order consumption.
type CouponService struct {
	store     CouponStore
	discounts *DiscountService
	settler   Settler
	logger    *zap.Logger
	now       func() time.Time
}

// NewCouponService creates a new coupon ledger
func NewCouponService(store CouponStore, discounts *DiscountService, settler Settler) *CouponService {
	return &CouponService{
		store:     store,
		discounts: discounts,
		settler:   settler,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// Validate resolves a code to a usable coupon. Unknown codes are
// invalid; exhausted usage or a lapsed discount window is expired, so
// clients can prompt for a fresh code.
func (cs *CouponService) Validate(ctx context.Context, code string) (*models.Coupon, *models.Discount, error) {
	coupon, err := cs.store.GetCouponByCode(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up coupon: %w", err)
	}
	if coupon == nil {
		util.CouponsRejectedTotal.WithLabelValues("invalid").Inc()
		return nil, nil, apperr.Validationf("invalid coupon code")
	}

	if coupon.UsedCount >= coupon.UsageLimit {
		util.CouponsRejectedTotal.WithLabelValues("exhausted").Inc()
		return nil, nil, apperr.Expiredf("coupon usage limit reached")
	}

	discount, err := cs.store.GetDiscountByID(ctx, coupon.DiscountID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load coupon discount: %w", err)
	}
	if cs.now().After(discount.EndDate) {
		util.CouponsRejectedTotal.WithLabelValues("expired").Inc()
		return nil, nil, apperr.Expiredf("coupon has expired")
	}

	return coupon, discount, nil
}

// Apply redeems a coupon against an order. The discounted total write,
// the usage record, and the counter increment commit together; the
// unique usage row makes a repeat application fail with a conflict and
// never double-increments the counter. A final total of zero settles
// the order immediately without a gateway round trip.
func (cs *CouponService) Apply(ctx context.Context, code string, orderID, userID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "CouponService.Apply")
	defer span.End()

	coupon, discount, err := cs.Validate(ctx, code)
	if err != nil {
		return nil, err
	}

	order, err := cs.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, apperr.NotFoundf("order not found")
	}
	if order.UserID != userID {
		return nil, apperr.Forbiddenf("order belongs to another user")
	}
	if order.PaymentStatus != models.PaymentStatusPending {
		return nil, apperr.Conflictf("order is no longer awaiting payment")
	}

	discountedTotal, err := cs.computeTotal(ctx, order, userID, discount)
	if err != nil {
		return nil, err
	}

	if err := cs.store.ApplyCoupon(ctx, coupon.ID, order.ID, discountedTotal); err != nil {
		if errors.Is(err, store.ErrCouponAlreadyUsed) {
			util.CouponsRejectedTotal.WithLabelValues("reused").Inc()
			return nil, apperr.Conflictf("coupon already applied to this order")
		}
		return nil, fmt.Errorf("failed to apply coupon: %w", err)
	}

	order.DiscountedTotal = decimal.NullDecimal{Decimal: discountedTotal, Valid: true}
	util.CouponsAppliedTotal.Inc()
	cs.logger.Info("Coupon applied",
		zap.String("code", code),
		zap.Int64("order_id", order.ID))

	if !order.PayableTotal().IsPositive() {
		if err := cs.settler.SettleZeroTotal(ctx, order); err != nil {
			cs.logger.Error("Failed to settle zero-total order",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
	}

	return order, nil
}

// computeTotal resolves the coupon's discount into a discounted
// subtotal for the order.
func (cs *CouponService) computeTotal(ctx context.Context, order *models.Order, userID int64, discount *models.Discount) (decimal.Decimal, error) {
	switch discount.Type {
	case models.DiscountTypeTiered:
		outcome, err := cs.discounts.ApplyTieredDiscount(ctx, order, discount)
		if err != nil {
			return decimal.Decimal{}, err
		}
		if outcome.Tier == nil {
			// Rejected before ApplyCoupon runs, so the usage counter
			// is not consumed for a coupon that did nothing.
			util.CouponsRejectedTotal.WithLabelValues("below_tiers").Inc()
			return decimal.Decimal{}, apperr.Validationf("order total does not reach any tier of this coupon")
		}
		if outcome.DiscountedTotal.Valid {
			return outcome.DiscountedTotal.Decimal, nil
		}
		return order.Subtotal(), nil

	case models.DiscountTypeFreeShipping:
		if err := cs.discounts.store.SetShippingFee(ctx, order.ID, decimal.Zero); err != nil {
			return decimal.Decimal{}, fmt.Errorf("failed to waive shipping fee: %w", err)
		}
		order.Total = order.Total.Sub(order.ShippingFee)
		order.ShippingFee = decimal.Zero
		return order.Subtotal(), nil

	default:
		discountType, value, err := cs.discounts.OrderDiscountForUser(ctx, userID, discount)
		if err != nil {
			return decimal.Decimal{}, err
		}
		return computePrice(order.Subtotal(), discountType, value), nil
	}
}
