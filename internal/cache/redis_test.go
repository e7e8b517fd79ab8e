package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/tickerhub/internal/logger"
	"github.com/navid-fn/tickerhub/internal/models"
)

func newTestCache(t *testing.T, probe time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	c := newRedisCache(context.Background(), rdb, probe, logger.Discard())
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestLatestRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, time.Minute)
	require.True(t, c.Available())

	c.SetLatest(ctx, models.CacheEntry{Symbol: "BTCUSDT", Price: 65000.5, Timestamp: 1714600000000, PriceChangePercent: 1.25})

	got, ok := c.GetLatest(ctx, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 65000.5, got.Price)
	assert.Equal(t, 1.25, got.PriceChangePercent)
	assert.Equal(t, time.Hour, mr.TTL("price:BTCUSDT"))

	_, ok = c.GetLatest(ctx, "ETHUSDT")
	assert.False(t, ok)
	assert.True(t, c.Available(), "a miss must not degrade the cache")
}

func TestGetLatestManySkipsMissing(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, time.Minute)

	c.SetLatest(ctx, models.CacheEntry{Symbol: "BTCUSDT", Price: 1})
	c.SetLatest(ctx, models.CacheEntry{Symbol: "ETHUSDT", Price: 2})
	require.NoError(t, mr.Set("price:XRPUSDT", "not json"))

	got := c.GetLatestMany(ctx, []string{"BTCUSDT", "SOLUSDT", "ETHUSDT", "XRPUSDT"})
	assert.Len(t, got, 2)
	assert.Equal(t, 1.0, got["BTCUSDT"].Price)
	assert.Equal(t, 2.0, got["ETHUSDT"].Price)

	assert.Empty(t, c.GetLatestMany(ctx, nil))
}

func TestWindowTrimsAndOrders(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, time.Minute)
	now := time.Now()

	c.AppendToWindow(ctx, "BTCUSDT", models.PricePoint{Price: 1, Timestamp: now.Add(-5 * time.Hour).UnixMilli()})
	c.AppendToWindow(ctx, "BTCUSDT", models.PricePoint{Price: 2, Timestamp: now.Add(-2 * time.Minute).UnixMilli()})
	c.AppendToWindow(ctx, "BTCUSDT", models.PricePoint{Price: 3, Timestamp: now.Add(-time.Minute).UnixMilli()})
	c.AppendToWindow(ctx, "BTCUSDT", models.PricePoint{Price: 4, Timestamp: now.UnixMilli()})

	all := c.GetWindow(ctx, "BTCUSDT", 60)
	require.Len(t, all, 3, "points older than four hours are trimmed")
	assert.Equal(t, []float64{4, 3, 2}, []float64{all[0].Price, all[1].Price, all[2].Price})
	assert.Equal(t, 5*time.Hour, mr.TTL("timeseries:BTCUSDT"))

	newest := c.GetWindow(ctx, "BTCUSDT", 2)
	require.Len(t, newest, 2)
	assert.Equal(t, 4.0, newest[0].Price)
	assert.Equal(t, 3.0, newest[1].Price)
	assert.Greater(t, newest[0].Timestamp, newest[1].Timestamp)
}

func TestWindowNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)
	base := time.Now().Add(-time.Minute)

	for i, price := range []float64{1, 2, 3} {
		c.AppendToWindow(ctx, "BTCUSDT", models.PricePoint{Price: price, Timestamp: base.Add(time.Duration(i) * time.Second).UnixMilli()})
	}

	got := c.GetWindow(ctx, "BTCUSDT", 2)
	require.Len(t, got, 2)
	assert.Equal(t, []float64{3, 2}, []float64{got[0].Price, got[1].Price})
}

func TestActiveSymbols(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	_, ok := c.GetActiveSymbols(ctx)
	assert.False(t, ok)

	c.SetActiveSymbols(ctx, []string{"BTCUSDT", "ETHUSDT"})
	got, ok := c.GetActiveSymbols(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)
}

func TestIntervalRoundTripAndClear(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, time.Minute)
	start := time.Date(2024, 5, 2, 13, 0, 0, 0, time.UTC)

	c.SetInterval(ctx, models.IntervalWindow{Symbol: "BTCUSDT", IntervalHour: 13, IntervalStartTime: start, Open: 1, Close: 2, Count: 3})

	key := "interval:BTCUSDT:1714654800000:13"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 24*time.Hour, mr.TTL(key))

	got, ok := c.GetInterval(ctx, "BTCUSDT", start, 13)
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Count)
	assert.True(t, start.Equal(got.IntervalStartTime))

	_, ok = c.GetInterval(ctx, "BTCUSDT", start, 17)
	assert.False(t, ok)

	c.SetLatest(ctx, models.CacheEntry{Symbol: "BTCUSDT", Price: 1})
	c.ClearSymbol(ctx, "BTCUSDT")
	assert.False(t, mr.Exists(key))
	assert.False(t, mr.Exists("price:BTCUSDT"))
}

func TestDegradedModeIsSilentAndRecovers(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, 20*time.Millisecond)

	mr.Close()

	c.SetLatest(ctx, models.CacheEntry{Symbol: "BTCUSDT", Price: 1})
	assert.False(t, c.Available())

	_, ok := c.GetLatest(ctx, "BTCUSDT")
	assert.False(t, ok)
	assert.Empty(t, c.GetLatestMany(ctx, []string{"BTCUSDT"}))
	assert.Nil(t, c.GetWindow(ctx, "BTCUSDT", 10))
	c.AppendToWindow(ctx, "BTCUSDT", models.PricePoint{Price: 1, Timestamp: 1})
	assert.ErrorIs(t, c.Ping(ctx), ErrCacheUnavailable)

	require.NoError(t, mr.Restart())
	assert.Eventually(t, c.Available, 2*time.Second, 10*time.Millisecond)

	c.SetLatest(ctx, models.CacheEntry{Symbol: "BTCUSDT", Price: 7})
	got, ok := c.GetLatest(ctx, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 7.0, got.Price)
}

func TestStartsDegradedWhenUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	c := newRedisCache(context.Background(), rdb, time.Minute, logger.Discard())
	defer c.Close()

	assert.False(t, c.Available())
	c.SetActiveSymbols(context.Background(), []string{"BTCUSDT"})
	_, ok := c.GetActiveSymbols(context.Background())
	assert.False(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
