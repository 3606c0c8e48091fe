package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores pricing data as JSON in Redis under a common prefix. A nil
// Cache or client turns every call into a miss.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCache constructs a cache helper. An empty prefix defaults to "pricing".
func NewCache(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = "pricing"
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

func (c *Cache) key(parts ...string) string {
	k := "pricing"
	if c != nil {
		k = c.prefix
	}
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// GetJSON unmarshals a cached JSON payload into dst. It reports whether the key existed.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	if c == nil || c.client == nil || key == "" {
		return false, nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		// a payload from an older schema is a miss
		_ = c.client.Del(ctx, key).Err()
		return false, nil
	}
	return true, nil
}

// SetJSON serialises v as JSON and stores it with the configured TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any) error {
	if c == nil || c.client == nil || key == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// Invalidate drops every cached entry for a product, plus the shared price
// list when productID is empty.
func (c *Cache) Invalidate(ctx context.Context, productID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	keys := []string{c.key("price-list")}
	if productID != "" {
		keys = []string{c.key("product", productID), c.key("matrix", productID)}
	}
	return c.client.Del(ctx, keys...).Err()
}
