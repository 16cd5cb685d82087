package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"shop-service/internal/models"

	"github.com/shopspring/decimal"
)

// InsufficientStockError reports which product could not cover the
// requested quantity.
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested=%d, available=%d",
		e.ProductID, e.Requested, e.Available)
}

// CreateOrder persists an order with its items and decrements stock for
// every line inside one transaction. Each decrement is conditional on
// remaining stock, so any line that cannot be covered aborts the whole
// transaction and nothing is written.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (user_id, reference, payment_status, shipping_status,
			shipping_state, shipping_city, shipping_street, shipping_fee, total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	if err := tx.GetContext(ctx, order, query,
		order.UserID, order.Reference, order.PaymentStatus, order.ShippingStatus,
		order.ShippingState, order.ShippingCity, order.ShippingStreet,
		order.ShippingFee, order.Total); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	for i := range items {
		item := &items[i]
		item.OrderID = order.ID

		if err := tx.GetContext(ctx, &item.ID,
			`INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			item.OrderID, item.ProductID, item.Quantity, item.UnitPrice); err != nil {
			return fmt.Errorf("failed to create order item: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			"UPDATE products SET stock = stock - $1 WHERE id = $2 AND stock >= $1",
			item.Quantity, item.ProductID)
		if err != nil {
			return fmt.Errorf("failed to decrement stock: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var available int
			_ = tx.GetContext(ctx, &available,
				"SELECT stock FROM products WHERE id = $1", item.ProductID)
			return &InsufficientStockError{
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Available: available,
			}
		}
	}

	return tx.Commit()
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByReference retrieves an order by its payment reference.
// Returns nil without error when no order matches.
func (s *Store) GetOrderByReference(ctx context.Context, reference string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE reference = $1", reference)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1", orderID)
	return items, err
}

// UpdatePaymentStatus updates an order's payment status.
func (s *Store) UpdatePaymentStatus(ctx context.Context, orderID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

// UpdatePaymentMethod records the gateway chosen at initiation.
func (s *Store) UpdatePaymentMethod(ctx context.Context, orderID int64, method string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET payment_method = $1, updated_at = NOW() WHERE id = $2",
		method, orderID)
	return err
}

// shippingStampColumns maps each shipping status to its one-time
// timestamp column.
var shippingStampColumns = map[string]string{
	models.ShippingStatusProcessing: "processing_at",
	models.ShippingStatusInTransit:  "in_transit_at",
	models.ShippingStatusDelivered:  "delivered_at",
	models.ShippingStatusCancelled:  "cancelled_at",
}

// UpdateShippingStatus moves an order to the given shipping status and
// stamps the matching timestamp exactly once. Re-entering a status a
// second time leaves the original stamp untouched (COALESCE).
func (s *Store) UpdateShippingStatus(ctx context.Context, orderID int64, status string) error {
	column, ok := shippingStampColumns[status]
	if !ok {
		_, err := s.db.ExecContext(ctx,
			"UPDATE orders SET shipping_status = $1, updated_at = NOW() WHERE id = $2",
			status, orderID)
		return err
	}

	query := fmt.Sprintf(
		"UPDATE orders SET shipping_status = $1, %s = COALESCE(%s, NOW()), updated_at = NOW() WHERE id = $2",
		column, column)
	_, err := s.db.ExecContext(ctx, query, status, orderID)
	return err
}

// CancelOrder marks the order cancelled and restores stock for every
// item, all in one transaction. The WHERE clause re-checks the
// cancellable states under the transaction: an order that settled or
// advanced its shipping after the caller's read is left untouched and
// keeps its stock decremented. Reports whether the cancellation took
// effect.
func (s *Store) CancelOrder(ctx context.Context, orderID int64) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET shipping_status = $1, payment_status = $2,
		 cancelled_at = COALESCE(cancelled_at, NOW()), updated_at = NOW()
		 WHERE id = $3 AND payment_status IN ($4, $5) AND shipping_status IN ($6, $7)`,
		models.ShippingStatusCancelled, models.PaymentStatusCancelled, orderID,
		models.PaymentStatusPending, models.PaymentStatusProcessing,
		models.ShippingStatusPending, models.ShippingStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to cancel order: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE products p SET stock = p.stock + i.quantity
		 FROM order_items i WHERE i.order_id = $1 AND i.product_id = p.id`,
		orderID)
	if err != nil {
		return false, fmt.Errorf("failed to restore stock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// GetUnpaidOrdersBefore lists unpaid orders created before the cutoff,
// for the sweep worker. Abandoned payment initiations count as unpaid;
// a late webhook on a swept order still settles it.
func (s *Store) GetUnpaidOrdersBefore(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		`SELECT * FROM orders WHERE payment_status IN ($1, $2) AND shipping_status = $3 AND created_at < $4`,
		models.PaymentStatusPending, models.PaymentStatusProcessing, models.ShippingStatusPending, cutoff)
	return orders, err
}

// GetTrackingNumber returns the tracking number attached to an order,
// or nil when none exists yet.
func (s *Store) GetTrackingNumber(ctx context.Context, orderID int64) (*models.TrackingNumber, error) {
	var tn models.TrackingNumber
	err := s.db.GetContext(ctx, &tn,
		"SELECT * FROM tracking_numbers WHERE order_id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tn, nil
}

// ErrTrackingNumberTaken signals a collision on the globally-unique
// number; the caller regenerates and retries.
var ErrTrackingNumberTaken = fmt.Errorf("tracking number already taken")

// CreateTrackingNumber attaches a tracking number to an order. A
// collision on the number itself returns ErrTrackingNumberTaken; a
// second insert for the same order is a silent no-op so the operation
// stays idempotent.
func (s *Store) CreateTrackingNumber(ctx context.Context, orderID int64, number string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tracking_numbers (order_id, number) VALUES ($1, $2)",
		orderID, number)
	if err == nil {
		return nil
	}
	if isUniqueViolation(err, "tracking_numbers_order_id_key") {
		return nil
	}
	if isUniqueViolation(err, "tracking_numbers_number_key") {
		return ErrTrackingNumberTaken
	}
	return err
}

// RecordPaymentEvent inserts a gateway event id. Returns false when the
// event was already recorded; that is the webhook replay guard.
func (s *Store) RecordPaymentEvent(ctx context.Context, ev *models.PaymentEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_events (event_id, gateway, order_id, status)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.Gateway, ev.OrderID, ev.Status)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetTransactionID stores the gateway's transaction id confirmed by
// server-to-server verification; refunds dispatch against it later.
func (s *Store) SetTransactionID(ctx context.Context, orderID int64, txID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET transaction_id = $1, updated_at = NOW() WHERE id = $2",
		txID, orderID)
	return err
}

// SetShippingFee overwrites an order's shipping fee; used by
// free-shipping discount tiers.
func (s *Store) SetShippingFee(ctx context.Context, orderID int64, fee decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET shipping_fee = $1, total = total - shipping_fee + $1, updated_at = NOW() WHERE id = $2",
		fee, orderID)
	return err
}

// SetRefundStatus updates the gateway-reported refund status field.
func (s *Store) SetRefundStatus(ctx context.Context, orderID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET refund_status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

// HasSuccessfulOrder reports whether the user has any previously paid
// order; used by first-purchase discounts.
func (s *Store) HasSuccessfulOrder(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM orders WHERE user_id = $1 AND payment_status = $2)",
		userID, models.PaymentStatusSuccessful)
	return exists, err
}

// SetDiscountedTotal writes an order's discounted total.
func (s *Store) SetDiscountedTotal(ctx context.Context, orderID int64, total decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET discounted_total = $1, updated_at = NOW() WHERE id = $2",
		total, orderID)
	return err
}
