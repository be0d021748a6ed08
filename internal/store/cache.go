package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leafsii/pm15-backend/internal/metrics"
	"github.com/leafsii/pm15-backend/pkg/kv"
)

// Cache stores JSON values in a kv.Store with per-key TTLs.
type Cache struct {
	kv      kv.Store
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewCache(store kv.Store, logger *zap.SugaredLogger, metrics *metrics.Metrics) *Cache {
	return &Cache{kv: store, logger: logger, metrics: metrics}
}

// Cache key prefixes
const (
	KeyOraclePrice = "pm15:oracle:price"
	KeyStats       = "pm15:stats"
)

var ErrCacheMiss = errors.New("cache miss")

// Get decodes key into dest or returns ErrCacheMiss
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			c.metrics.RecordCacheMiss(ctx, prefixOf(key))
			return ErrCacheMiss
		}
		if c.logger != nil {
			c.logger.Errorw("Cache get error", "key", key, "error", err)
		}
		return fmt.Errorf("cache get error: %w", err)
	}
	c.metrics.RecordCacheHit(ctx, prefixOf(key))
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if err := c.kv.Set(ctx, key, data, ttl); err != nil {
		if c.logger != nil {
			c.logger.Errorw("Cache set error", "key", key, "error", err)
		}
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := c.kv.Del(ctx, keys...); err != nil {
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	count, err := c.kv.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache exists error: %w", err)
	}
	return count > 0, nil
}

func (c *Cache) GetOraclePrice(ctx context.Context, feedID string, dest interface{}) error {
	return c.Get(ctx, KeyOraclePrice+":"+feedID, dest)
}

func (c *Cache) SetOraclePrice(ctx context.Context, feedID string, value interface{}, ttl time.Duration) error {
	return c.Set(ctx, KeyOraclePrice+":"+feedID, value, ttl)
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.kv.Ping(ctx)
}

// prefixOf keeps metric label cardinality bounded by dropping the key's last segment
func prefixOf(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
