// Package cache keeps the realtime view of tracked symbols in Redis.
//
// The cache is best effort: when Redis is unreachable every call becomes a
// no-op or returns absent, and a background probe restores normal operation
// once Redis answers again.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickerhub/configs"
	"github.com/navid-fn/tickerhub/internal/models"
)

// ErrCacheUnavailable is returned by Ping while the cache is degraded.
var ErrCacheUnavailable = errors.New("cache unavailable")

const (
	latestTTL   = time.Hour
	activeTTL   = time.Hour
	intervalTTL = 24 * time.Hour
	windowSpan  = 4 * time.Hour
	windowTTL   = 5 * time.Hour

	activeSymbolsKey = "active:symbols"
)

func latestKey(symbol string) string { return "price:" + symbol }
func windowKey(symbol string) string { return "timeseries:" + symbol }
func intervalKey(symbol string, start time.Time, hour int) string {
	return fmt.Sprintf("interval:%s:%d:%d", symbol, start.UnixMilli(), hour)
}

// RedisCache stores latest prices, rolling price windows and interval
// aggregates in Redis.
type RedisCache struct {
	rdb    *redis.Client
	logger *logrus.Logger

	available atomic.Bool
	probe     time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewRedisCache connects to Redis. A failed initial ping is not an error:
// the cache starts degraded and keeps probing.
func NewRedisCache(ctx context.Context, cfg configs.RedisConfig, logger *logrus.Logger) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.DialTimeout,
		MaxRetries:   1,
	})
	return newRedisCache(ctx, rdb, cfg.ProbeInterval, logger)
}

func newRedisCache(ctx context.Context, rdb *redis.Client, probe time.Duration, logger *logrus.Logger) *RedisCache {
	if probe <= 0 {
		probe = 15 * time.Second
	}
	c := &RedisCache{
		rdb:    rdb,
		logger: logger,
		probe:  probe,
		stop:   make(chan struct{}),
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("Redis not available, continuing without cache")
	} else {
		c.available.Store(true)
		logger.Info("Redis cache connected")
	}

	c.wg.Add(1)
	go c.probeLoop()
	return c
}

// Available reports whether the cache is currently serving requests.
func (c *RedisCache) Available() bool {
	return c.available.Load()
}

func (c *RedisCache) probeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.probe)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if c.available.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.probe)
			err := c.rdb.Ping(ctx).Err()
			cancel()
			if err == nil {
				c.available.Store(true)
				c.logger.Info("Redis cache reachable again")
			}
		}
	}
}

// fail switches to degraded mode on transport errors. redis.Nil is a miss,
// not a failure.
func (c *RedisCache) fail(op string, err error) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}
	if c.available.CompareAndSwap(true, false) {
		c.logger.WithError(err).WithField("op", op).Warn("Redis cache degraded")
	}
}

// Ping checks Redis and updates the availability flag.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.fail("ping", err)
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	c.available.Store(true)
	return nil
}

// SetLatest stores the latest price of entry.Symbol for one hour.
func (c *RedisCache) SetLatest(ctx context.Context, entry models.CacheEntry) {
	if !c.Available() {
		return
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	c.fail("set_latest", c.rdb.Set(ctx, latestKey(entry.Symbol), b, latestTTL).Err())
}

// GetLatest returns the latest price of symbol, if known.
func (c *RedisCache) GetLatest(ctx context.Context, symbol string) (models.CacheEntry, bool) {
	var entry models.CacheEntry
	if !c.Available() {
		return entry, false
	}
	b, err := c.rdb.Get(ctx, latestKey(symbol)).Bytes()
	if err != nil {
		c.fail("get_latest", err)
		return entry, false
	}
	if err := json.Unmarshal(b, &entry); err != nil {
		return entry, false
	}
	return entry, true
}

// GetLatestMany fetches the latest prices of symbols in a single round trip.
// Missing or undecodable entries are omitted.
func (c *RedisCache) GetLatestMany(ctx context.Context, symbols []string) map[string]models.CacheEntry {
	out := make(map[string]models.CacheEntry, len(symbols))
	if !c.Available() || len(symbols) == 0 {
		return out
	}

	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = latestKey(s)
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.fail("mget_latest", err)
		return out
	}

	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var entry models.CacheEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out[symbols[i]] = entry
	}
	return out
}

// AppendToWindow adds p to the rolling window of symbol and trims points
// older than four hours.
func (c *RedisCache) AppendToWindow(ctx context.Context, symbol string, p models.PricePoint) {
	if !c.Available() {
		return
	}
	b, err := json.Marshal(p)
	if err != nil {
		return
	}

	key := windowKey(symbol)
	cut := time.Now().Add(-windowSpan).UnixMilli()

	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(p.Timestamp), Member: string(b)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cut, 10))
	pipe.Expire(ctx, key, windowTTL)
	_, err = pipe.Exec(ctx)
	c.fail("append_window", err)
}

// GetWindow returns up to limit of the newest window points of symbol,
// newest first.
func (c *RedisCache) GetWindow(ctx context.Context, symbol string, limit int) []models.PricePoint {
	if !c.Available() || limit <= 0 {
		return nil
	}
	members, err := c.rdb.ZRevRange(ctx, windowKey(symbol), 0, int64(limit-1)).Result()
	if err != nil {
		c.fail("get_window", err)
		return nil
	}

	points := make([]models.PricePoint, 0, len(members))
	for _, m := range members {
		var p models.PricePoint
		if err := json.Unmarshal([]byte(m), &p); err != nil {
			continue
		}
		points = append(points, p)
	}
	return points
}

// SetActiveSymbols snapshots the tracked symbol list.
func (c *RedisCache) SetActiveSymbols(ctx context.Context, symbols []string) {
	if !c.Available() {
		return
	}
	b, err := json.Marshal(symbols)
	if err != nil {
		return
	}
	c.fail("set_active", c.rdb.Set(ctx, activeSymbolsKey, b, activeTTL).Err())
}

// GetActiveSymbols returns the last snapshot written by SetActiveSymbols.
func (c *RedisCache) GetActiveSymbols(ctx context.Context) ([]string, bool) {
	if !c.Available() {
		return nil, false
	}
	b, err := c.rdb.Get(ctx, activeSymbolsKey).Bytes()
	if err != nil {
		c.fail("get_active", err)
		return nil, false
	}
	var symbols []string
	if err := json.Unmarshal(b, &symbols); err != nil {
		return nil, false
	}
	return symbols, true
}

// SetInterval caches a bucket aggregate for 24 hours.
func (c *RedisCache) SetInterval(ctx context.Context, w models.IntervalWindow) {
	if !c.Available() {
		return
	}
	b, err := json.Marshal(w)
	if err != nil {
		return
	}
	key := intervalKey(w.Symbol, w.IntervalStartTime, w.IntervalHour)
	c.fail("set_interval", c.rdb.Set(ctx, key, b, intervalTTL).Err())
}

// GetInterval returns a cached bucket aggregate.
func (c *RedisCache) GetInterval(ctx context.Context, symbol string, start time.Time, hour int) (models.IntervalWindow, bool) {
	var w models.IntervalWindow
	if !c.Available() {
		return w, false
	}
	b, err := c.rdb.Get(ctx, intervalKey(symbol, start, hour)).Bytes()
	if err != nil {
		c.fail("get_interval", err)
		return w, false
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return w, false
	}
	return w, true
}

// ClearSymbol removes every key held for symbol. Used when a symbol stops
// being tracked.
func (c *RedisCache) ClearSymbol(ctx context.Context, symbol string) {
	if !c.Available() {
		return
	}
	keys := []string{latestKey(symbol), windowKey(symbol)}

	iter := c.rdb.Scan(ctx, 0, "interval:"+symbol+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.fail("clear_symbol", err)
		return
	}
	c.fail("clear_symbol", c.rdb.Del(ctx, keys...).Err())
}

// Close stops the probe and closes the Redis client. Safe to call twice.
func (c *RedisCache) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		c.available.Store(false)
		err = c.rdb.Close()
	})
	return err
}
