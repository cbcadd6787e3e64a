package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client), mr
}

func TestRedisCache_PutGet(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()
	q := aprilQuota("u1", "ten", 10, 3, 3)

	_, ok := cache.Get(ctx, "u1", report)
	assert.False(t, ok)

	cache.Put(ctx, "u1", report, q, time.Minute)
	assert.True(t, mr.Exists("quota:cache:u1:stock_report"))

	got, ok := cache.Get(ctx, "u1", report)
	require.True(t, ok)
	assert.Equal(t, q, got)

	mr.FastForward(2 * time.Minute)
	_, ok = cache.Get(ctx, "u1", report)
	assert.False(t, ok)
}

func TestRedisCache_InvalidateUser(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()
	q := aprilQuota("u1", "ten", 10, 0, 0)

	cache.Put(ctx, "u1", report, q, time.Minute)
	cache.Put(ctx, "u1", analysis, q, time.Minute)
	cache.Put(ctx, "u2", report, aprilQuota("u2", "free", 3, 0, 0), time.Minute)

	cache.Invalidate(ctx, "u1", analysis)
	assert.True(t, mr.Exists("quota:cache:u1:stock_report"))
	assert.False(t, mr.Exists("quota:cache:u1:portfolio_analysis"))

	cache.Invalidate(ctx, "u1", report, analysis)
	assert.False(t, mr.Exists("quota:cache:u1:stock_report"))
	assert.True(t, mr.Exists("quota:cache:u2:stock_report"))

	cache.Invalidate(ctx, "u2")
	assert.True(t, mr.Exists("quota:cache:u2:stock_report"), "no resources named, nothing dropped")
}

func TestRedisCache_DropsUndecodableEntry(t *testing.T) {
	cache, mr := setupTestCache(t)
	require.NoError(t, mr.Set("quota:cache:u1:stock_report", "{broken"))

	_, ok := cache.Get(context.Background(), "u1", report)
	assert.False(t, ok)
	assert.False(t, mr.Exists("quota:cache:u1:stock_report"))
}

func TestRedisCache_UnavailableIsMiss(t *testing.T) {
	cache, mr := setupTestCache(t)
	mr.Close()

	ctx := context.Background()
	cache.Put(ctx, "u1", report, aprilQuota("u1", "free", 3, 0, 0), time.Minute)
	_, ok := cache.Get(ctx, "u1", report)
	assert.False(t, ok)
	cache.Invalidate(ctx, "u1", report)
}

func TestServiceWithRedisCache(t *testing.T) {
	cache, mr := setupTestCache(t)
	clock := newTestClock(april15)
	store := NewMemoryStore(0)
	svc := NewService(store, cache, testCatalog(t), nil, WithClock(clock.Now))
	ctx := context.Background()

	_, err := svc.Check(ctx, "u1", report)
	require.NoError(t, err)
	assert.True(t, mr.Exists("quota:cache:u1:stock_report"))

	_, err = svc.Consume(ctx, "u1", report, UsageEvent{})
	require.NoError(t, err)
	assert.False(t, mr.Exists("quota:cache:u1:stock_report"))

	info, err := svc.Check(ctx, "u1", report)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Used)
}

func TestServiceWithRedisCache_GlobCharactersInUserID(t *testing.T) {
	cache, mr := setupTestCache(t)
	store := NewMemoryStore(0)
	svc := NewService(store, cache, testCatalog(t), nil, WithClock(newTestClock(april15).Now))
	ctx := context.Background()

	for _, id := range []string{"u[1]", "u*", "u?x"} {
		t.Run(id, func(t *testing.T) {
			_, err := svc.Check(ctx, id, report)
			require.NoError(t, err)
			_, err = svc.Check(ctx, id, analysis)
			require.NoError(t, err)
			require.True(t, mr.Exists("quota:cache:"+id+":stock_report"))

			_, err = svc.Consume(ctx, id, report, UsageEvent{})
			require.NoError(t, err)
			assert.False(t, mr.Exists("quota:cache:"+id+":stock_report"))
			assert.False(t, mr.Exists("quota:cache:"+id+":portfolio_analysis"))

			info, err := svc.Check(ctx, id, report)
			require.NoError(t, err)
			assert.Equal(t, 1, info.Used)
		})
	}
}

func TestMemoryCache(t *testing.T) {
	cache := NewMemoryCache()
	now := april15
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	q := aprilQuota("u1", "ten", 10, 1, 1)
	cache.Put(ctx, "u1", report, q, 30*time.Second)
	q.Usage[report] = 9

	got, ok := cache.Get(ctx, "u1", report)
	require.True(t, ok)
	assert.Equal(t, 1, got.Usage[report], "cache keeps its own copy")

	now = now.Add(30 * time.Second)
	_, ok = cache.Get(ctx, "u1", report)
	assert.False(t, ok)

	cache.Put(ctx, "u1", report, q, time.Minute)
	cache.Put(ctx, "u1", analysis, q, time.Minute)
	cache.Invalidate(ctx, "u1", report)
	_, ok = cache.Get(ctx, "u1", report)
	assert.False(t, ok)
	_, ok = cache.Get(ctx, "u1", analysis)
	assert.True(t, ok)

	cache.Invalidate(ctx, "u1", analysis)
	_, ok = cache.Get(ctx, "u1", analysis)
	assert.False(t, ok)
	assert.Empty(t, cache.entries)
}

func TestNopCache(t *testing.T) {
	var c Cache = NopCache{}
	c.Put(context.Background(), "u1", report, aprilQuota("u1", "free", 3, 0, 0), time.Minute)
	_, ok := c.Get(context.Background(), "u1", report)
	assert.False(t, ok)
}
