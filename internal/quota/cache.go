package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stockpulse/quota/internal/metrics"
)

// DefaultCacheTTL is how long a cached snapshot may be served.
const DefaultCacheTTL = 30 * time.Second

// Cache holds short-lived quota snapshots keyed by (user, resource). It is
// consulted by read paths only and is never authoritative.
type Cache interface {
	Get(ctx context.Context, userID, resource string) (*UserQuota, bool)
	Put(ctx context.Context, userID, resource string, q *UserQuota, ttl time.Duration)
	// Invalidate drops the user's snapshots for the given resources. Callers
	// name every resource they want gone; nothing is dropped by pattern.
	Invalidate(ctx context.Context, userID string, resources ...string)
}

// RedisCache stores snapshots as JSON strings with a TTL.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisCache creates a new Redis-backed cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		logger: slog.Default().With("component", "quota_cache"),
	}
}

func cacheKey(userID, resource string) string {
	return fmt.Sprintf("quota:cache:%s:%s", userID, resource)
}

func (c *RedisCache) Get(ctx context.Context, userID, resource string) (*UserQuota, bool) {
	val, err := c.client.Get(ctx, cacheKey(userID, resource)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache read failed", "user_id", userID, "resource", resource, "error", err)
			metrics.QuotaCacheRequestsTotal.WithLabelValues("error").Inc()
			return nil, false
		}
		metrics.QuotaCacheRequestsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	q, err := decodeQuota(userID, val)
	if err != nil {
		c.logger.Warn("dropping undecodable cache entry", "user_id", userID, "resource", resource, "error", err)
		if err := c.client.Del(ctx, cacheKey(userID, resource)).Err(); err != nil {
			c.logger.Warn("cache delete failed", "user_id", userID, "resource", resource, "error", err)
		}
		metrics.QuotaCacheRequestsTotal.WithLabelValues("error").Inc()
		return nil, false
	}
	metrics.QuotaCacheRequestsTotal.WithLabelValues("hit").Inc()
	return q, true
}

func (c *RedisCache) Put(ctx context.Context, userID, resource string, q *UserQuota, ttl time.Duration) {
	data, err := encodeQuota(q)
	if err != nil {
		c.logger.Warn("cache encode failed", "user_id", userID, "error", err)
		return
	}
	if err := c.client.Set(ctx, cacheKey(userID, resource), data, ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "user_id", userID, "resource", resource, "error", err)
	}
}

// Invalidate deletes the named keys in one DEL. A failed delete leaves the
// snapshots to expire with their TTL.
func (c *RedisCache) Invalidate(ctx context.Context, userID string, resources ...string) {
	if len(resources) == 0 {
		return
	}
	keys := make([]string, len(resources))
	for i, r := range resources {
		keys[i] = cacheKey(userID, r)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("cache invalidate failed", "user_id", userID, "resources", resources, "error", err)
	}
}

type memCacheEntry struct {
	q       *UserQuota
	expires time.Time
}

// MemoryCache is a process-local Cache for single-instance deployments.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]map[string]memCacheEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]map[string]memCacheEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, userID, resource string) (*UserQuota, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID][resource]
	if !ok || !c.now().Before(e.expires) {
		if ok {
			delete(c.entries[userID], resource)
		}
		metrics.QuotaCacheRequestsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.QuotaCacheRequestsTotal.WithLabelValues("hit").Inc()
	return e.q.Clone(), true
}

func (c *MemoryCache) Put(_ context.Context, userID, resource string, q *UserQuota, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byResource, ok := c.entries[userID]
	if !ok {
		byResource = make(map[string]memCacheEntry)
		c.entries[userID] = byResource
	}
	byResource[resource] = memCacheEntry{q: q.Clone(), expires: c.now().Add(ttl)}
}

func (c *MemoryCache) Invalidate(_ context.Context, userID string, resources ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range resources {
		delete(c.entries[userID], r)
	}
	if len(c.entries[userID]) == 0 {
		delete(c.entries, userID)
	}
}

// NopCache disables caching.
type NopCache struct{}

func (NopCache) Get(context.Context, string, string) (*UserQuota, bool) { return nil, false }
func (NopCache) Put(context.Context, string, string, *UserQuota, time.Duration) {}
func (NopCache) Invalidate(context.Context, string, ...string) {}
