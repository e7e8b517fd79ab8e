package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// SymbolSink receives the tracked symbol set (the ingester).
type SymbolSink interface {
	SetSymbols(symbols []string)
}

// ActiveCache mirrors the tracked set into the realtime cache.
type ActiveCache interface {
	SetActiveSymbols(ctx context.Context, symbols []string)
	ClearSymbol(ctx context.Context, symbol string)
}

// Streamer reconnects the upstream for a new symbol set.
type Streamer interface {
	Reload(ctx context.Context, symbols []string) error
}

// Tracker keeps the ingester, the cache and the upstream on the same symbol set.
type Tracker struct {
	registry SymbolRegistry
	sink     SymbolSink
	cache    ActiveCache
	stream   Streamer
	logger   *logrus.Logger

	mu      sync.Mutex
	current []string
}

func NewTracker(reg SymbolRegistry, sink SymbolSink, cache ActiveCache, stream Streamer, logger *logrus.Logger) *Tracker {
	return &Tracker{registry: reg, sink: sink, cache: cache, stream: stream, logger: logger}
}

// Symbols returns the currently applied set.
func (t *Tracker) Symbols() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.current)
}

// Load reads the registry, re-reading an empty result up to retries times.
// An empty set after the last attempt is returned without error.
func (t *Tracker) Load(ctx context.Context, retries uint64, delay time.Duration) ([]string, error) {
	if delay <= 0 {
		delay = time.Second
	}
	var symbols []string
	backoff := retry.WithMaxRetries(retries, retry.NewConstant(delay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := t.registry.ActiveSymbols(ctx)
		if err != nil {
			t.logger.WithError(err).Warn("Symbol registry read failed")
			return retry.RetryableError(err)
		}
		symbols = s
		if len(s) == 0 {
			t.logger.Warn("Symbol registry is empty, retrying")
			return retry.RetryableError(fmt.Errorf("no active symbols"))
		}
		return nil
	})
	if err != nil && symbols == nil {
		return nil, fmt.Errorf("load symbols: %w", err)
	}
	return symbols, nil
}

// Apply switches every component to symbols. Cached data of symbols that
// are no longer tracked is removed.
func (t *Tracker) Apply(ctx context.Context, symbols []string) error {
	symbols = Normalize(symbols)

	t.mu.Lock()
	previous := t.current
	t.current = symbols
	t.mu.Unlock()

	t.sink.SetSymbols(symbols)
	t.cache.SetActiveSymbols(ctx, symbols)

	removed := 0
	for _, s := range previous {
		if _, found := slices.BinarySearch(symbols, s); !found {
			t.cache.ClearSymbol(ctx, s)
			removed++
		}
	}

	// shard lifetime belongs to the upstream manager, not to the caller
	if err := t.stream.Reload(context.WithoutCancel(ctx), symbols); err != nil {
		return fmt.Errorf("reload upstream: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"symbols": len(symbols),
		"removed": removed,
	}).Info("Tracked symbols applied")
	return nil
}

// Reload reads the registry once and applies the result.
func (t *Tracker) Reload(ctx context.Context) ([]string, error) {
	symbols, err := t.registry.ActiveSymbols(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.Apply(ctx, symbols); err != nil {
		return nil, err
	}
	return t.Symbols(), nil
}
