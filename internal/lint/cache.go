package lint

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// CachedRuleset is a tenant's raw custom rule set as last fetched. Present
// is false when the tenant has none; that answer is cached too.
type CachedRuleset struct {
	Data    []byte
	Present bool
}

// RulesetCache stores tenant custom rule sets between lint runs.
// The key format is "portico:ruleset:{tenantId}".
type RulesetCache interface {
	// Get returns the cached entry and whether one was found.
	Get(ctx context.Context, tenantID string) (CachedRuleset, bool, error)

	// Set stores an entry for the configured TTL.
	Set(ctx context.Context, tenantID string, entry CachedRuleset) error

	// Invalidate drops the entry so the next run fetches it again.
	Invalidate(ctx context.Context, tenantID string) error
}

// FormatRulesetKey builds the cache key for a tenant.
func FormatRulesetKey(tenantID string) string {
	return "portico:ruleset:" + tenantID
}

// --- MemoryRulesetCache ---

// MemoryRulesetCache is an in-process RulesetCache with LRU eviction and TTL.
type MemoryRulesetCache struct {
	cache *lru.LRU[string, CachedRuleset]
}

// NewMemoryRulesetCache creates a cache holding at most size tenants.
func NewMemoryRulesetCache(size int, ttl time.Duration) *MemoryRulesetCache {
	if size <= 0 {
		size = 512
	}
	return &MemoryRulesetCache{cache: lru.NewLRU[string, CachedRuleset](size, nil, ttl)}
}

// Get returns the cached entry for tenantID.
func (c *MemoryRulesetCache) Get(_ context.Context, tenantID string) (CachedRuleset, bool, error) {
	entry, ok := c.cache.Get(FormatRulesetKey(tenantID))
	return entry, ok, nil
}

// Set stores entry for tenantID.
func (c *MemoryRulesetCache) Set(_ context.Context, tenantID string, entry CachedRuleset) error {
	c.cache.Add(FormatRulesetKey(tenantID), entry)
	return nil
}

// Invalidate removes tenantID's entry.
func (c *MemoryRulesetCache) Invalidate(_ context.Context, tenantID string) error {
	c.cache.Remove(FormatRulesetKey(tenantID))
	return nil
}

// Len returns the number of live entries. For testing.
func (c *MemoryRulesetCache) Len() int {
	return c.cache.Len()
}

// HealthCheck always succeeds.
func (c *MemoryRulesetCache) HealthCheck(context.Context) error { return nil }

// --- RedisRulesetCache ---

// RedisRulesetCache is a Redis-backed RulesetCache shared by all replicas.
// An empty value records that the tenant has no custom rule set.
type RedisRulesetCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisRulesetCache creates a Redis-backed rule set cache.
func NewRedisRulesetCache(client redis.Cmdable, ttl time.Duration) *RedisRulesetCache {
	return &RedisRulesetCache{client: client, ttl: ttl}
}

// Get reads tenantID's entry from Redis.
func (c *RedisRulesetCache) Get(ctx context.Context, tenantID string) (CachedRuleset, bool, error) {
	key := FormatRulesetKey(tenantID)
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedRuleset{}, false, nil
	}
	if err != nil {
		return CachedRuleset{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	if len(raw) == 0 {
		return CachedRuleset{}, true, nil
	}
	return CachedRuleset{Data: raw, Present: true}, true, nil
}

// Set writes tenantID's entry with the cache TTL.
func (c *RedisRulesetCache) Set(ctx context.Context, tenantID string, entry CachedRuleset) error {
	key := FormatRulesetKey(tenantID)
	var data []byte
	if entry.Present {
		data = entry.Data
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Invalidate deletes tenantID's entry.
func (c *RedisRulesetCache) Invalidate(ctx context.Context, tenantID string) error {
	key := FormatRulesetKey(tenantID)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (c *RedisRulesetCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
