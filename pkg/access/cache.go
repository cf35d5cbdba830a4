package access

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openshelf/openshelf/pkg/observability"
)

// Reader answers "what access does user U have to book B under tenant T".
// Consulted on every permission check inside the patch engine.
type Reader interface {
	Get(ctx context.Context, tenantID, bookID, userID int64) (*Computed, error)
}

// StoreReader reads straight from the store, for deployments without a cache
type StoreReader struct {
	Store Store
}

// Get implements Reader
func (r *StoreReader) Get(ctx context.Context, tenantID, bookID, userID int64) (*Computed, error) {
	return r.Store.GetComputed(ctx, tenantID, bookID, userID)
}

// cachedEntry wraps a row so that "no access" is cacheable too
type cachedEntry struct {
	Row    *Computed `json:"row,omitempty"`
	Absent bool      `json:"absent,omitempty"`
}

// CachedReader is a two-level read-through cache over the computed-access
// store: an in-process LRU in front of Redis in front of Postgres. The
// Maintainer invalidates it per tenant whenever the materialized table
// changes.
type CachedReader struct {
	store   Store
	redis   *redis.Client
	l1      *lru.Cache[string, cachedEntry]
	ttl     time.Duration
	metrics *observability.Metrics
}

// NewCachedReader creates a CachedReader. The redis client may be nil, in
// which case only the L1 cache is used.
func NewCachedReader(store Store, redisClient *redis.Client, l1Size int, ttl time.Duration, metrics *observability.Metrics) (*CachedReader, error) {
	l1, err := lru.New[string, cachedEntry](l1Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create access L1 cache: %w", err)
	}
	return &CachedReader{
		store:   store,
		redis:   redisClient,
		l1:      l1,
		ttl:     ttl,
		metrics: metrics,
	}, nil
}

func cacheKey(tenantID, bookID, userID int64) string {
	return fmt.Sprintf("access:%d:%d:%d", tenantID, bookID, userID)
}

// Get implements Reader. A missing row is returned as ErrNotFound and is
// cached as absent so repeated denied checks stay cheap.
func (c *CachedReader) Get(ctx context.Context, tenantID, bookID, userID int64) (*Computed, error) {
	key := cacheKey(tenantID, bookID, userID)

	if entry, ok := c.l1.Get(key); ok {
		c.hit("l1")
		return entry.result()
	}
	c.miss("l1")

	if c.redis != nil {
		data, err := c.redis.Get(ctx, key).Result()
		if err == nil {
			var entry cachedEntry
			if err := json.Unmarshal([]byte(data), &entry); err == nil {
				c.hit("redis")
				c.l1.Add(key, entry)
				return entry.result()
			}
		}
		c.miss("redis")
	}

	row, err := c.store.GetComputed(ctx, tenantID, bookID, userID)
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	entry := cachedEntry{Row: row, Absent: row == nil}
	c.l1.Add(key, entry)
	if c.redis != nil {
		if data, merr := json.Marshal(entry); merr == nil {
			c.redis.Set(ctx, key, data, c.ttl)
		}
	}

	return entry.result()
}

func (e cachedEntry) result() (*Computed, error) {
	if e.Absent || e.Row == nil {
		return nil, ErrNotFound
	}
	return e.Row, nil
}

// Invalidate drops all cached entries for a tenant. Implements Invalidator.
func (c *CachedReader) Invalidate(ctx context.Context, tenantID int64) {
	// The L1 cache has no per-tenant index; purging it entirely is cheap and
	// it refills from Redis.
	c.l1.Purge()

	if c.redis == nil {
		return
	}

	pattern := fmt.Sprintf("access:%d:*", tenantID)
	var cursor uint64
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			c.redis.Del(ctx, keys...)
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}

func (c *CachedReader) hit(cacheType string) {
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(cacheType).Inc()
	}
}

func (c *CachedReader) miss(cacheType string) {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}
