// Package upstream maintains the sharded ticker stream connections to the
// exchange and hands every received frame to a Handler.
package upstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/navid-fn/tickerhub/configs"
)

// ErrStopped is returned by Start and Reload after Stop.
var ErrStopped = errors.New("upstream manager stopped")

// Handler consumes raw frames. Returned errors are counted and logged but
// never close the connection.
type Handler interface {
	HandleFrame(ctx context.Context, raw []byte) error
}

// Manager runs one shard per ShardSize symbols.
type Manager struct {
	cfg     configs.UpstreamConfig
	handler Handler
	logger  *logrus.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	shards  []*shard
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool

	rejected atomic.Int64
}

// NewManager creates a manager. Nothing connects until Start.
func NewManager(cfg configs.UpstreamConfig, handler Handler, logger *logrus.Logger) *Manager {
	dps := cfg.DialsPerSecond
	if dps <= 0 {
		dps = 5
	}
	return &Manager{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(dps), 1),
	}
}

// Start partitions symbols into shards and connects each one in its own
// goroutine. It returns immediately; shard progress is visible in Status.
func (m *Manager) Start(ctx context.Context, symbols []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	m.stopShardsLocked()
	m.shards = nil

	if len(symbols) == 0 {
		m.logger.Warn("No symbols to stream, upstream idle")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	chunks := ChunkSlice(symbols, m.cfg.ShardSize)
	m.shards = make([]*shard, 0, len(chunks))
	for i, chunk := range chunks {
		sh := &shard{
			id:      i,
			symbols: chunk,
			url:     StreamURL(m.cfg.BaseURL, chunk),
			m:       m,
			state:   StateConnecting,
		}
		m.shards = append(m.shards, sh)

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			sh.run(runCtx)
		}()
	}

	m.logger.WithFields(logrus.Fields{
		"symbols": len(symbols),
		"shards":  len(chunks),
	}).Info("Upstream shards started")
	return nil
}

// Reload replaces the running shards with a fresh set for symbols.
func (m *Manager) Reload(ctx context.Context, symbols []string) error {
	m.logger.WithField("symbols", len(symbols)).Info("Reloading upstream symbols")
	return m.Start(ctx, symbols)
}

// Stop closes every connection and prevents further reconnects. It blocks
// until all shards have exited and is safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	m.stopShardsLocked()
	m.logger.Info("Upstream stopped")
}

func (m *Manager) stopShardsLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()
}

// Status returns a snapshot of every shard.
func (m *Manager) Status() []ShardStatus {
	m.mu.Lock()
	shards := m.shards
	m.mu.Unlock()

	out := make([]ShardStatus, 0, len(shards))
	for _, sh := range shards {
		out = append(out, sh.status())
	}
	return out
}

// Rejected returns how many frames the handler refused.
func (m *Manager) Rejected() int64 {
	return m.rejected.Load()
}
