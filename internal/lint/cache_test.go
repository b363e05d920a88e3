package lint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestFormatRulesetKey(t *testing.T) {
	assert.Equal(t, "portico:ruleset:acme", FormatRulesetKey("acme"))
}

// --- MemoryRulesetCache ---

func TestMemoryRulesetCache_roundTrip(t *testing.T) {
	c := NewMemoryRulesetCache(4, time.Minute)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "t1", CachedRuleset{Data: []byte("rules: {}"), Present: true}))
	require.NoError(t, c.Set(ctx, "t2", CachedRuleset{}))

	entry, found, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, entry.Present)
	assert.Equal(t, "rules: {}", string(entry.Data))

	entry, found, err = c.Get(ctx, "t2")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, entry.Present)

	require.NoError(t, c.Invalidate(ctx, "t1"))
	_, found, _ = c.Get(ctx, "t1")
	assert.False(t, found)
	assert.Equal(t, 1, c.Len())
}

func TestMemoryRulesetCache_expires(t *testing.T) {
	c := NewMemoryRulesetCache(4, 10*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "t1", CachedRuleset{Present: true, Data: []byte("x")}))

	assert.Eventually(t, func() bool {
		_, found, _ := c.Get(ctx, "t1")
		return !found
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryRulesetCache_evictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryRulesetCache(2, time.Minute)
	ctx := context.Background()
	for _, tenant := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, tenant, CachedRuleset{}))
	}
	_, found, _ := c.Get(ctx, "a")
	assert.False(t, found)
	assert.Equal(t, 2, c.Len())
}

// --- RedisRulesetCache ---

func TestRedisRulesetCache_roundTrip(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewRedisRulesetCache(client, time.Minute)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "t1", CachedRuleset{Data: []byte("rules: {}"), Present: true}))
	entry, found, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, entry.Present)
	assert.Equal(t, "rules: {}", string(entry.Data))

	stored, err := mr.Get("portico:ruleset:t1")
	require.NoError(t, err)
	assert.Equal(t, "rules: {}", stored)
	assert.Equal(t, time.Minute, mr.TTL("portico:ruleset:t1"))
}

func TestRedisRulesetCache_absentMarker(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewRedisRulesetCache(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "t1", CachedRuleset{Data: []byte("ignored")}))
	assert.True(t, mr.Exists("portico:ruleset:t1"))

	entry, found, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, entry.Present)
	assert.Empty(t, entry.Data)
}

func TestRedisRulesetCache_expiresAndInvalidates(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewRedisRulesetCache(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "t1", CachedRuleset{Data: []byte("x"), Present: true}))
	mr.FastForward(2 * time.Minute)
	_, found, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "t2", CachedRuleset{Data: []byte("x"), Present: true}))
	require.NoError(t, c.Invalidate(ctx, "t2"))
	assert.False(t, mr.Exists("portico:ruleset:t2"))
}

func TestRedisRulesetCache_errors(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewRedisRulesetCache(client, time.Minute)
	ctx := context.Background()
	require.NoError(t, c.HealthCheck(ctx))

	mr.Close()
	_, _, err := c.Get(ctx, "t1")
	assert.Error(t, err)
	assert.Error(t, c.Set(ctx, "t1", CachedRuleset{}))
	assert.Error(t, c.HealthCheck(ctx))
}

func TestLinter_Lint_redisCacheErrorsFallBackToSource(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()

	fetched := 0
	src := RulesetSourceFunc(func(context.Context, string) ([]byte, bool, error) {
		fetched++
		return []byte(customRules), true, nil
	})
	l := newLinter(t, WithRulesetSource(src), WithRulesetCache(NewRedisRulesetCache(client, time.Minute)))

	result := l.Lint(tenantContext("t1"), "api-1", []byte(validDoc))
	assert.Equal(t, 1, fetched)
	assert.Equal(t, []string{"operation-summary"}, ruleIDs(result.Findings))
}
