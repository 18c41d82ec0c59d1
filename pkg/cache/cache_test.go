package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Market string    `json:"market"`
	Knots  []float64 `json:"knots"`
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisCacheWithClient(client, "coordrisk")
}

func exerciseService(t *testing.T, c Service) {
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "obj", sample{Market: "btc", Knots: []float64{0.1, 0.9}}, 0))
	var got sample
	require.NoError(t, c.Get(ctx, "obj", &got))
	assert.Equal(t, sample{Market: "btc", Knots: []float64{0.1, 0.9}}, got)

	require.NoError(t, c.Set(ctx, "raw", []byte(`{"a":1}`), 0))
	var raw []byte
	require.NoError(t, c.Get(ctx, "raw", &raw))
	assert.JSONEq(t, `{"a":1}`, string(raw))

	require.NoError(t, c.Set(ctx, "str", "hello", 0))
	var s string
	require.NoError(t, c.Get(ctx, "str", &s))
	assert.Equal(t, "hello", s)

	ok, err := c.Exists(ctx, "nope", "str")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "str"))
	assert.ErrorIs(t, c.Get(ctx, "str", &s), ErrCacheMiss)

	locked, err := c.TryLock(ctx, "lock:m", time.Minute)
	require.NoError(t, err)
	assert.True(t, locked)
	locked, err = c.TryLock(ctx, "lock:m", time.Minute)
	require.NoError(t, err)
	assert.False(t, locked)
	require.NoError(t, c.Unlock(ctx, "lock:m"))
	locked, err = c.TryLock(ctx, "lock:m", time.Minute)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestRedisCache(t *testing.T) {
	mr, c := newRedis(t)
	exerciseService(t, c)
	assert.True(t, mr.Exists("coordrisk:obj"))

	require.NoError(t, c.Set(context.Background(), "ttl", "x", time.Second))
	mr.FastForward(2 * time.Second)
	var s string
	assert.ErrorIs(t, c.Get(context.Background(), "ttl", &s), ErrCacheMiss)
}

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache(WithMemoryCleanup(0))
	defer c.Close()
	exerciseService(t, c)
}

func TestMemoryCacheExpiryAndEviction(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(WithMemoryMaxSize(2), WithMemoryCleanup(0))
	defer c.Close()

	require.NoError(t, c.Set(ctx, "short", "x", time.Nanosecond))
	time.Sleep(time.Millisecond)
	var s string
	assert.ErrorIs(t, c.Get(ctx, "short", &s), ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "a", "1", 0))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Set(ctx, "b", "2", 0))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Get(ctx, "a", &s))
	require.NoError(t, c.Set(ctx, "c", "3", 0))

	assert.Equal(t, 2, c.Len())
	assert.ErrorIs(t, c.Get(ctx, "b", &s), ErrCacheMiss, "least recently used goes first")
	assert.NoError(t, c.Get(ctx, "a", &s))
}

func TestLayeredCache(t *testing.T) {
	mr, remote := newRedis(t)
	ctx := context.Background()
	lc := NewLayeredCache(remote, WithLayeredMemoryTTL(time.Hour))
	defer lc.Close()
	exerciseService(t, lc)

	// L1 keeps serving after the remote copy changes underneath
	require.NoError(t, lc.Set(ctx, "cal", sample{Market: "eth"}, 0))
	require.NoError(t, mr.Set("coordrisk:cal", `{"market":"sol"}`))
	var got sample
	require.NoError(t, lc.Get(ctx, "cal", &got))
	assert.Equal(t, "eth", got.Market)

	// a cold L1 fills from remote
	fresh := NewLayeredCache(remote)
	defer fresh.Close()
	require.NoError(t, fresh.Get(ctx, "cal", &got))
	assert.Equal(t, "sol", got.Market)
	assert.Equal(t, 1, fresh.mem.Len())
}

func TestGenerateKey(t *testing.T) {
	assert.Equal(t, "calibrator:btc/202501", GenerateKey("calibrator", "btc/202501"))
}
