package api

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/seral-labs/harbinger/internal/index"
	"github.com/seral-labs/harbinger/pkg/logger"
	"github.com/seral-labs/harbinger/pkg/metrics"
	pkgredis "github.com/seral-labs/harbinger/pkg/redis"
)

const cacheKeyPrefix = "search:"

// CacheBackend is the key-value surface the search cache needs. It is
// satisfied by pkg/redis.Client.
type CacheBackend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// Cache memoizes search results. Results are keyed by the full request
// shape, concurrent fills for the same key collapse into one index search,
// and a reload invalidates the collection's entries wholesale. A nil *Cache
// runs every search against the index.
type Cache struct {
	backend CacheBackend
	ttl     time.Duration
	metrics *metrics.Metrics
	group   singleflight.Group
	logger  *slog.Logger
}

func NewCache(backend CacheBackend, ttl time.Duration, m *metrics.Metrics) *Cache {
	return &Cache{
		backend: backend,
		ttl:     ttl,
		metrics: m,
		logger:  logger.WithComponent("search-cache"),
	}
}

// GetOrCompute returns the cached result for the request or computes and
// stores it. The bool reports whether the result came from the cache.
func (c *Cache) GetOrCompute(ctx context.Context, collection, query string, offset, limit int, opts index.SearchOptions, compute func() (*index.Result, error)) (*index.Result, bool, error) {
	if c == nil {
		result, err := compute()
		return result, false, err
	}
	key := c.key(collection, query, offset, limit, opts)
	if result, ok := c.get(ctx, key); ok {
		return result, true, nil
	}
	val, err, _ := c.group.Do(key, func() (any, error) {
		if result, ok := c.get(ctx, key); ok {
			return result, nil
		}
		result, err := compute()
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*index.Result), false, nil
}

// Invalidate drops every cached result for the collection. Runs after an
// index reload so a stale total never outlives the snapshot it came from.
func (c *Cache) Invalidate(ctx context.Context, collection string) error {
	if c == nil {
		return nil
	}
	pattern := cacheKeyPrefix + collection + ":*"
	deleted, err := c.backend.FlushByPattern(ctx, pattern)
	if err != nil {
		return fmt.Errorf("invalidating %s cache: %w", collection, err)
	}
	c.logger.Info("cache invalidated", "collection", collection, "keys", deleted)
	return nil
}

func (c *Cache) get(ctx context.Context, key string) (*index.Result, bool) {
	data, err := c.backend.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.metrics.CacheMiss()
		return nil, false
	}
	var result index.Result
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.metrics.CacheMiss()
		return nil, false
	}
	c.metrics.CacheHit()
	return &result, true
}

func (c *Cache) set(ctx context.Context, key string, result *index.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// key hashes the request shape. Queries are structural, so no textual
// normalization happens here; two spellings of the same query cache apart.
func (c *Cache) key(collection, query string, offset, limit int, opts index.SearchOptions) string {
	raw := fmt.Sprintf("%s|%s|offset=%d|limit=%d|explain=%t|metadata=%t",
		collection, query, offset, limit, opts.Explain, opts.Metadata)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%s:%x", cacheKeyPrefix, collection, hash[:16])
}
