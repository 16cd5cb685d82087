package service

import (
	"context"
	"fmt"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
	"shop-service/internal/redisclient"
	"shop-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CartProductStore provides the live product rows carts re-join on
// every read.
type CartProductStore interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
}

// CartBackend is the key-value side of the cart store.
type CartBackend interface {
	AddCartLine(ctx context.Context, key string, line models.CartLine, override bool) (int, error)
	GetCartLines(ctx context.Context, key string) ([]models.CartLine, error)
	WriteCartLines(ctx context.Context, key string, lines []models.CartLine) error
	RemoveCartLine(ctx context.Context, key string, productID int64) (bool, error)
	ClearCart(ctx context.Context, key string) error
}

// CartOwner identifies whose cart is addressed: an authenticated user
// or a guest session.
type CartOwner struct {
	UserID    int64
	SessionID string
}

func (o CartOwner) key() string {
	return redisclient.CartKey(o.UserID, o.SessionID)
}

// CartService keeps per-owner carts in the key-value store. Prices are
// never authoritative in the cart: every read re-joins against the
// product table and writes the fresh snapshots back, so checkout always
// sees current prices.
type CartService struct {
	products CartProductStore
	backend  CartBackend
	logger   *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(products CartProductStore, backend CartBackend) *CartService {
	return &CartService{
		products: products,
		backend:  backend,
		logger:   util.GetLogger(),
	}
}

// Add puts a product in the cart. Quantity below one fails validation;
// override replaces the stored quantity instead of incrementing it.
func (cs *CartService) Add(ctx context.Context, owner CartOwner, productID int64, quantity int, override bool) error {
	if quantity < 1 {
		return apperr.Validationf("quantity must be at least 1")
	}

	product, err := cs.products.GetProductByID(ctx, productID)
	if err != nil {
		return apperr.NotFoundf("product not found")
	}
	if !product.Available {
		return apperr.Validationf("product is not available")
	}

	line := models.CartLine{
		ProductID:       product.ID,
		Quantity:        quantity,
		Price:           product.Price,
		DiscountedPrice: product.DiscountedPrice.Decimal,
	}

	if _, err := cs.backend.AddCartLine(ctx, owner.key(), line, override); err != nil {
		return fmt.Errorf("failed to add cart line: %w", err)
	}

	util.CartOpsTotal.WithLabelValues("add").Inc()
	return nil
}

// Remove drops a product from the cart and reports whether it was
// present. The cart record itself stays in place even when emptied.
func (cs *CartService) Remove(ctx context.Context, owner CartOwner, productID int64) (bool, error) {
	removed, err := cs.backend.RemoveCartLine(ctx, owner.key(), productID)
	if err != nil {
		return false, fmt.Errorf("failed to remove cart line: %w", err)
	}
	if removed {
		util.CartOpsTotal.WithLabelValues("remove").Inc()
	}
	return removed, nil
}

// Get iterates the cart joined against live product rows. Stored price
// snapshots are refreshed as a side effect, so a price or discount
// change lands in the cart before checkout. Per-item totals prefer the
// discounted price when one is set.
func (cs *CartService) Get(ctx context.Context, owner CartOwner) ([]models.CartItemView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.Get")
	defer span.End()

	key := owner.key()
	lines, err := cs.backend.GetCartLines(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read cart: %w", err)
	}
	if len(lines) == 0 {
		return []models.CartItemView{}, nil
	}

	ids := make([]int64, len(lines))
	for i, line := range lines {
		ids[i] = line.ProductID
	}
	products, err := cs.products.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart products: %w", err)
	}
	productMap := make(map[int64]*models.Product, len(products))
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}

	views := make([]models.CartItemView, 0, len(lines))
	refreshed := make([]models.CartLine, 0, len(lines))
	for _, line := range lines {
		product, ok := productMap[line.ProductID]
		if !ok {
			// Product removed from the catalog; drop the stale line.
			if _, err := cs.backend.RemoveCartLine(ctx, key, line.ProductID); err != nil {
				cs.logger.Warn("Failed to drop stale cart line",
					zap.Int64("product_id", line.ProductID),
					zap.Error(err))
			}
			continue
		}

		line.Price = product.Price
		line.DiscountedPrice = product.DiscountedPrice.Decimal
		refreshed = append(refreshed, line)

		unit := product.EffectivePrice()
		views = append(views, models.CartItemView{
			Product:         product,
			Quantity:        line.Quantity,
			Price:           line.Price,
			DiscountedPrice: line.DiscountedPrice,
			TotalPrice:      unit.Mul(decimal.NewFromInt(int64(line.Quantity))),
		})
	}

	if err := cs.backend.WriteCartLines(ctx, key, refreshed); err != nil {
		cs.logger.Warn("Failed to write back cart snapshots", zap.Error(err))
	}

	return views, nil
}

// Clear deletes the backing cart record entirely.
func (cs *CartService) Clear(ctx context.Context, owner CartOwner) error {
	if err := cs.backend.ClearCart(ctx, owner.key()); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	util.CartOpsTotal.WithLabelValues("clear").Inc()
	return nil
}
