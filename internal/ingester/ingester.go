// Package ingester turns upstream ticker frames into cached prices and
// periodically persisted price records.
//
// Every accepted tick updates the realtime cache immediately and is appended
// to a per-symbol buffer. Flush drains the buffer and writes one averaged
// record per symbol to the store.
package ingester

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/navid-fn/tickerhub/internal/interval"
	"github.com/navid-fn/tickerhub/internal/models"
)

// Store persists flushed records.
type Store interface {
	SaveRecords(ctx context.Context, records []*models.PriceRecord) error
}

// Cache receives every accepted tick.
type Cache interface {
	SetLatest(ctx context.Context, entry models.CacheEntry)
	AppendToWindow(ctx context.Context, symbol string, p models.PricePoint)
}

// Publisher mirrors persisted records to a downstream sink.
type Publisher interface {
	Publish(ctx context.Context, records []*models.PriceRecord) error
}

// Config holds ingester tuning.
type Config struct {
	// FlushWorkers bounds how many symbols are persisted concurrently.
	FlushWorkers int
}

// Ingester owns the tracked symbol set and the tick buffer.
type Ingester struct {
	store     Store
	cache     Cache
	publisher Publisher
	logger    *logrus.Logger
	cfg       Config
	buffer    *Buffer
	now       func() time.Time

	mu      sync.RWMutex
	tracked map[string]struct{}

	received  atomic.Int64
	malformed atomic.Int64
	unknown   atomic.Int64
	flushed   atomic.Int64
}

// Option customises an Ingester.
type Option func(*Ingester)

// WithPublisher mirrors every persisted record to p.
func WithPublisher(p Publisher) Option {
	return func(ig *Ingester) { ig.publisher = p }
}

// WithClock overrides the wall clock used for ingestion timestamps.
func WithClock(now func() time.Time) Option {
	return func(ig *Ingester) { ig.now = now }
}

// New creates an Ingester. It receives its collaborators, it doesn't create them.
func New(store Store, cache Cache, logger *logrus.Logger, cfg Config, opts ...Option) *Ingester {
	if cfg.FlushWorkers <= 0 {
		cfg.FlushWorkers = 8
	}
	ig := &Ingester{
		store:   store,
		cache:   cache,
		logger:  logger,
		cfg:     cfg,
		buffer:  NewBuffer(),
		now:     time.Now,
		tracked: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(ig)
	}
	return ig
}

// SetSymbols replaces the tracked symbol set. Buffered ticks of symbols that
// are no longer tracked are discarded.
func (ig *Ingester) SetSymbols(symbols []string) {
	next := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		next[strings.ToUpper(s)] = struct{}{}
	}

	ig.mu.Lock()
	prev := ig.tracked
	ig.tracked = next
	ig.mu.Unlock()

	for s := range prev {
		if _, ok := next[s]; !ok {
			ig.buffer.Drop(s)
		}
	}
}

// Tracked reports whether symbol is currently ingested.
func (ig *Ingester) Tracked(symbol string) bool {
	ig.mu.RLock()
	_, ok := ig.tracked[symbol]
	ig.mu.RUnlock()
	return ok
}

// HandleFrame ingests one raw upstream frame. Malformed frames and unknown
// symbols are counted and reported but never stop ingestion.
func (ig *Ingester) HandleFrame(ctx context.Context, raw []byte) error {
	now := ig.now()
	tick, err := ParseTick(raw, now)
	if err != nil {
		ig.malformed.Add(1)
		return err
	}
	if !ig.Tracked(tick.Symbol) {
		ig.unknown.Add(1)
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, tick.Symbol)
	}

	ig.received.Add(1)
	ts := tick.TimestampMillis()

	ig.cache.SetLatest(ctx, models.CacheEntry{
		Symbol:             tick.Symbol,
		Price:              tick.Price,
		Timestamp:          ts,
		PriceChangePercent: tick.ChangePercent,
	})
	ig.cache.AppendToWindow(ctx, tick.Symbol, models.PricePoint{Price: tick.Price, Timestamp: ts})
	ig.buffer.Append(tick)
	return nil
}

// FlushReport summarises one flush cycle.
type FlushReport struct {
	Symbols   int
	Persisted []*models.PriceRecord
	Failed    map[string]error
}

// Flush drains the buffer and persists one record per symbol. Symbols are
// written independently: a failure for one symbol re-queues its ticks and
// does not affect the others.
func (ig *Ingester) Flush(ctx context.Context) FlushReport {
	drained := ig.buffer.Drain()
	report := FlushReport{Symbols: len(drained), Failed: map[string]error{}}
	if len(drained) == 0 {
		return report
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(ig.cfg.FlushWorkers)

	for symbol, ticks := range drained {
		if len(ticks) == 0 {
			continue
		}
		g.Go(func() error {
			rec := Aggregate(symbol, ticks)
			err := ig.store.SaveRecords(ctx, []*models.PriceRecord{rec})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[symbol] = err
				// ticks of a bucket that already closed can't be attributed to the new one
				if dropped := ig.buffer.Requeue(symbol, ticks, interval.StartOf(ig.now())); dropped > 0 {
					ig.logger.WithFields(logrus.Fields{"symbol": symbol, "dropped": dropped}).Warn("Discarded unflushable ticks")
				}
				return nil
			}
			report.Persisted = append(report.Persisted, rec)
			return nil
		})
	}
	_ = g.Wait()

	ig.flushed.Add(int64(len(report.Persisted)))

	for symbol, err := range report.Failed {
		ig.logger.WithError(err).WithField("symbol", symbol).Error("Failed to persist buffered ticks, re-queued")
	}
	if len(report.Persisted) > 0 {
		ig.logger.WithFields(logrus.Fields{
			"persisted": len(report.Persisted),
			"failed":    len(report.Failed),
		}).Debug("Flushed price buffers")
		ig.publish(ctx, report.Persisted)
	}
	return report
}

func (ig *Ingester) publish(ctx context.Context, records []*models.PriceRecord) {
	if ig.publisher == nil {
		return
	}
	if err := ig.publisher.Publish(ctx, records); err != nil && !errors.Is(err, context.Canceled) {
		ig.logger.WithError(err).Warn("Failed to mirror flushed records")
	}
}

// Aggregate folds the buffered ticks of one symbol into a single record:
// mean price, summed volume, and the time of the last tick.
func Aggregate(symbol string, ticks []models.Tick) *models.PriceRecord {
	var sum, volume float64
	high, low := ticks[0].Price, ticks[0].Price
	for _, t := range ticks {
		sum += t.Price
		volume += t.Volume
		high = max(high, t.Price)
		low = min(low, t.Price)
	}

	last := ticks[len(ticks)-1]
	ts := last.ReceivedAt.UTC()
	return &models.PriceRecord{
		Symbol:            symbol,
		Price:             sum / float64(len(ticks)),
		Timestamp:         ts,
		IntervalHour:      interval.HourOf(ts),
		IntervalStartTime: interval.StartOf(ts),
		Volume:            volume,
		High:              high,
		Low:               low,
		Open:              ticks[0].Price,
		Close:             last.Price,
	}
}

// Stats is a snapshot of ingestion counters.
type Stats struct {
	Received  int64 `json:"received"`
	Malformed int64 `json:"malformed"`
	Unknown   int64 `json:"unknown"`
	Flushed   int64 `json:"flushed"`
	Buffered  int   `json:"bufferedSymbols"`
	Tracked   int   `json:"trackedSymbols"`
}

// Stats returns the current counters.
func (ig *Ingester) Stats() Stats {
	ig.mu.RLock()
	tracked := len(ig.tracked)
	ig.mu.RUnlock()

	return Stats{
		Received:  ig.received.Load(),
		Malformed: ig.malformed.Load(),
		Unknown:   ig.unknown.Load(),
		Flushed:   ig.flushed.Load(),
		Buffered:  ig.buffer.Symbols(),
		Tracked:   tracked,
	}
}
