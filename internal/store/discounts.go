package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"shop-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// ErrCouponAlreadyUsed signals a second application of the same coupon
// to the same order. The unique (coupon_id, order_id) constraint is the
// source of truth.
var ErrCouponAlreadyUsed = fmt.Errorf("coupon already applied to order")

// GetDiscountByID retrieves a discount policy.
func (s *Store) GetDiscountByID(ctx context.Context, id int64) (*models.Discount, error) {
	var d models.Discount
	err := s.db.GetContext(ctx, &d, "SELECT * FROM discounts WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("discount not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetActiveProductDiscount returns the discount linked to a product
// whose validity window covers now, or nil when none applies.
func (s *Store) GetActiveProductDiscount(ctx context.Context, productID int64, now time.Time) (*models.Discount, error) {
	var d models.Discount
	err := s.db.GetContext(ctx, &d,
		`SELECT d.* FROM discounts d
		 JOIN product_discounts pd ON pd.discount_id = d.id
		 WHERE pd.product_id = $1 AND d.start_date <= $2 AND d.end_date >= $2
		 ORDER BY d.end_date DESC LIMIT 1`,
		productID, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDiscountTiers lists a tiered discount's thresholds.
func (s *Store) GetDiscountTiers(ctx context.Context, discountID int64) ([]models.DiscountTier, error) {
	var tiers []models.DiscountTier
	err := s.db.SelectContext(ctx, &tiers,
		"SELECT * FROM discount_tiers WHERE discount_id = $1 ORDER BY min_amount", discountID)
	return tiers, err
}

// GetCouponByCode retrieves a coupon with its linked discount window.
// Returns nil without error when the code is unknown.
func (s *Store) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var c models.Coupon
	err := s.db.GetContext(ctx, &c, "SELECT * FROM coupons WHERE code = $1", code)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ApplyCoupon writes the discounted total, records the usage, and
// increments the coupon counter in one transaction. The usage insert is
// the commit point: its unique constraint turns a concurrent or
// repeated application into ErrCouponAlreadyUsed with no counter drift.
func (s *Store) ApplyCoupon(ctx context.Context, couponID, orderID int64, discountedTotal decimal.Decimal) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE orders SET discounted_total = $1, updated_at = NOW() WHERE id = $2",
		discountedTotal, orderID); err != nil {
		return fmt.Errorf("failed to set discounted total: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO coupon_usages (coupon_id, order_id) VALUES ($1, $2)",
		couponID, orderID); err != nil {
		if isUniqueViolation(err, "") {
			return ErrCouponAlreadyUsed
		}
		return fmt.Errorf("failed to record coupon usage: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE coupons SET used_count = used_count + 1 WHERE id = $1",
		couponID); err != nil {
		return fmt.Errorf("failed to increment coupon usage: %w", err)
	}

	return tx.Commit()
}

// ErrItemsAlreadyReturned signals a return selection that included an
// item already flagged returned.
var ErrItemsAlreadyReturned = fmt.Errorf("items already returned")

// ErrReturnExists signals a second return request for the same order.
// The unique returns.order_id constraint is the source of truth.
var ErrReturnExists = fmt.Errorf("return already exists for order")

// CreateReturnForItems flags the selected order items as returned and
// records the return, in one transaction. If any item was already
// flagged, or a return already exists for the order, the transaction
// rolls back and no item stays flagged.
func (s *Store) CreateReturnForItems(ctx context.Context, ret *models.Return, itemIDs []int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query, args, err := sqlx.In(
		"UPDATE order_items SET returned = TRUE WHERE order_id = ? AND id IN (?) AND NOT returned",
		ret.OrderID, itemIDs)
	if err != nil {
		return err
	}
	query = tx.Rebind(query)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark items returned: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows != int64(len(itemIDs)) {
		return ErrItemsAlreadyReturned
	}

	err = tx.GetContext(ctx, ret,
		`INSERT INTO returns (order_id, status, refund_amount)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		ret.OrderID, ret.Status, ret.RefundAmount)
	if isUniqueViolation(err, "") {
		return ErrReturnExists
	}
	if err != nil {
		return fmt.Errorf("failed to record return: %w", err)
	}

	return tx.Commit()
}

// GetReturnByOrderID returns the order's return record, or nil.
func (s *Store) GetReturnByOrderID(ctx context.Context, orderID int64) (*models.Return, error) {
	var ret models.Return
	err := s.db.GetContext(ctx, &ret, "SELECT * FROM returns WHERE order_id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ret, nil
}

// SetReturnShipped stores the return parcel's tracking number and moves
// the return to shipped.
func (s *Store) SetReturnShipped(ctx context.Context, orderID int64, trackingNumber string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE returns SET status = $1, tracking_number = $2 WHERE order_id = $3",
		models.ReturnStatusShipped, trackingNumber, orderID)
	return err
}

// SetReturnStatus updates the return workflow state.
func (s *Store) SetReturnStatus(ctx context.Context, orderID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE returns SET status = $1 WHERE order_id = $2", status, orderID)
	return err
}

// CreateRefund records a refund dispatched to a gateway.
func (s *Store) CreateRefund(ctx context.Context, refund *models.Refund) error {
	query := `
		INSERT INTO refunds (order_id, gateway, transaction_id, amount, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, refund, query,
		refund.OrderID, refund.Gateway, refund.TransactionID, refund.Amount, refund.Status)
}

// GetRefundByOrderID returns the order's refund record, or nil.
func (s *Store) GetRefundByOrderID(ctx context.Context, orderID int64) (*models.Refund, error) {
	var refund models.Refund
	err := s.db.GetContext(ctx, &refund, "SELECT * FROM refunds WHERE order_id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// UpdateRefundStatus records a gateway refund-status callback.
func (s *Store) UpdateRefundStatus(ctx context.Context, orderID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE refunds SET status = $1, updated_at = NOW() WHERE order_id = $2",
		status, orderID)
	return err
}
