package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"shop-service/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/cart_add.lua
var cartAddScript string

type Client struct {
	rdb       *redis.Client
	addScript *redis.Script
}

// NewClient creates a new Redis client with the cart script loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:       rdb,
		addScript: redis.NewScript(cartAddScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// CartKey builds the cart key for an owner. Guest sessions are prefixed
// separately so an authenticated login never collides with a session id.
func CartKey(userID int64, sessionID string) string {
	if userID > 0 {
		return fmt.Sprintf("cart_%d", userID)
	}
	return fmt.Sprintf("cart_guest_%s", sessionID)
}

// AddCartLine atomically sets or increments a cart line via Lua.
// Returns the resulting quantity.
func (c *Client) AddCartLine(ctx context.Context, key string, line models.CartLine, override bool) (int, error) {
	payload, err := json.Marshal(line)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal cart line: %w", err)
	}

	overrideArg := "0"
	if override {
		overrideArg = "1"
	}

	result, err := c.addScript.Run(ctx, c.rdb, []string{key},
		fmt.Sprintf("%d", line.ProductID), line.Quantity, overrideArg, string(payload)).Result()
	if err != nil {
		return 0, fmt.Errorf("cart add script failed: %w", err)
	}

	qty, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result type")
	}
	return int(qty), nil
}

// GetCartLines reads every line in the cart.
func (c *Client) GetCartLines(ctx context.Context, key string) ([]models.CartLine, error) {
	raw, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	lines := make([]models.CartLine, 0, len(raw))
	for field, v := range raw {
		// The meta field keeps the hash present after the last line is
		// removed; it is not a cart line.
		if field == "_meta" {
			continue
		}
		var line models.CartLine
		if err := json.Unmarshal([]byte(v), &line); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cart line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// WriteCartLines writes back refreshed price snapshots in one pipeline.
func (c *Client) WriteCartLines(ctx context.Context, key string, lines []models.CartLine) error {
	if len(lines) == 0 {
		return nil
	}

	pipe := c.rdb.Pipeline()
	for _, line := range lines {
		payload, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("failed to marshal cart line: %w", err)
		}
		pipe.HSet(ctx, key, fmt.Sprintf("%d", line.ProductID), string(payload))
	}

	_, err := pipe.Exec(ctx)
	return err
}

// RemoveCartLine deletes one product's line. Returns whether the line
// existed. An empty hash key stays present until ClearCart.
func (c *Client) RemoveCartLine(ctx context.Context, key string, productID int64) (bool, error) {
	removed, err := c.rdb.HDel(ctx, key, fmt.Sprintf("%d", productID)).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

// ClearCart deletes the backing record entirely.
func (c *Client) ClearCart(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}
