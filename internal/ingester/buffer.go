package ingester

import (
	"sync"
	"time"

	"github.com/navid-fn/tickerhub/internal/models"
)

// Buffer accumulates ticks per symbol between flushes.
// It is safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	ticks map[string][]models.Tick
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{ticks: make(map[string][]models.Tick)}
}

// Append adds t to the buffer of t.Symbol.
func (b *Buffer) Append(t models.Tick) {
	b.mu.Lock()
	b.ticks[t.Symbol] = append(b.ticks[t.Symbol], t)
	b.mu.Unlock()
}

// Drain returns everything buffered and leaves the buffer empty. Ticks
// appended after Drain returns belong to the next flush.
func (b *Buffer) Drain() map[string][]models.Tick {
	b.mu.Lock()
	drained := b.ticks
	b.ticks = make(map[string][]models.Tick, len(drained))
	b.mu.Unlock()
	return drained
}

// MaxRequeued bounds how many failed ticks one symbol carries into the
// next flush.
const MaxRequeued = 3600

// Requeue puts ticks back in front of anything buffered since they were
// drained. Ticks received before since are discarded, and only the newest
// MaxRequeued are kept. It returns how many ticks were discarded.
func (b *Buffer) Requeue(symbol string, ticks []models.Tick, since time.Time) int {
	total := len(ticks)
	kept := ticks[:0:0]
	for _, t := range ticks {
		if !t.ReceivedAt.Before(since) {
			kept = append(kept, t)
		}
	}
	if len(kept) > MaxRequeued {
		kept = kept[len(kept)-MaxRequeued:]
	}
	ticks = kept
	if len(ticks) == 0 {
		return total
	}

	b.mu.Lock()
	newer := b.ticks[symbol]
	merged := make([]models.Tick, 0, len(ticks)+len(newer))
	merged = append(merged, ticks...)
	merged = append(merged, newer...)
	b.ticks[symbol] = merged
	b.mu.Unlock()
	return total - len(ticks)
}

// Drop discards the buffered ticks of symbol.
func (b *Buffer) Drop(symbol string) {
	b.mu.Lock()
	delete(b.ticks, symbol)
	b.mu.Unlock()
}

func (b *Buffer) len(symbol string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ticks[symbol])
}

// Symbols returns how many symbols currently hold ticks.
func (b *Buffer) Symbols() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ticks)
}
