// Package scheduler runs the periodic jobs: buffer flush, price broadcast,
// and the work done at every interval boundary.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickerhub/configs"
	"github.com/navid-fn/tickerhub/internal/ingester"
	"github.com/navid-fn/tickerhub/internal/interval"
	"github.com/navid-fn/tickerhub/internal/models"
)

// Flusher persists buffered ticks.
type Flusher interface {
	Flush(ctx context.Context) ingester.FlushReport
}

// Broadcaster pushes to downstream clients.
type Broadcaster interface {
	BroadcastPrices(ctx context.Context) int
	BroadcastIntervalUpdate(ctx context.Context, symbol string) int
	SubscribedSymbols() []string
}

// Store is the part of the persistent store the boundary job needs.
type Store interface {
	WindowAggregates(ctx context.Context, start time.Time) ([]models.IntervalWindow, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// IntervalCache keeps completed bucket aggregates after their records
// are cleaned up.
type IntervalCache interface {
	SetInterval(ctx context.Context, w models.IntervalWindow)
}

// Scheduler manages all cron jobs.
type Scheduler struct {
	cron    *cron.Cron
	flusher Flusher
	hub     Broadcaster
	store   Store
	cache   IntervalCache
	logger  *logrus.Logger
	cfg     configs.SchedulerConfig
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
}

// New creates a Scheduler. Jobs run in UTC and never overlap with
// themselves.
func New(
	flusher Flusher,
	hub Broadcaster,
	store Store,
	cache IntervalCache,
	logger *logrus.Logger,
	cfg configs.SchedulerConfig,
) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		flusher: flusher,
		hub:     hub,
		store:   store,
		cache:   cache,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// RegisterAll registers the flush, broadcast and boundary jobs.
func (s *Scheduler) RegisterAll() error {
	if s.cfg.FlushInterval <= 0 || s.cfg.BroadcastInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	s.cron.Schedule(cron.Every(s.cfg.FlushInterval), cron.FuncJob(func() { s.RunFlush(s.ctx) }))
	s.cron.Schedule(cron.Every(s.cfg.BroadcastInterval), cron.FuncJob(func() { s.RunBroadcast(s.ctx) }))
	s.cron.Schedule(interval.Schedule{}, cron.FuncJob(func() { s.RunBoundary(s.ctx) }))
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"flush":         s.cfg.FlushInterval,
		"broadcast":     s.cfg.BroadcastInterval,
		"next_boundary": interval.NextStartAfter(s.now()),
	}).Info("Scheduler started")
}

// Stop cancels pending runs and waits for running jobs. Safe to call twice.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		done := s.cron.Stop()
		s.cancel()
		<-done.Done()
		s.logger.Info("Scheduler stopped")
	})
}

// RunFlush persists the tick buffers.
func (s *Scheduler) RunFlush(ctx context.Context) ingester.FlushReport {
	return s.flusher.Flush(ctx)
}

// RunBroadcast pushes latest prices to subscribers.
func (s *Scheduler) RunBroadcast(ctx context.Context) {
	s.hub.BroadcastPrices(ctx)
}

// RunBoundary closes the bucket that just ended: it flushes what is
// buffered, caches every symbol's aggregate of the completed bucket,
// announces it to subscribers, and finally deletes records older than the
// new bucket.
func (s *Scheduler) RunBoundary(ctx context.Context) {
	now := s.now()
	start := interval.StartOf(now)
	completed := start.Add(-interval.Length)
	log := s.logger.WithFields(logrus.Fields{
		"interval_hour":  interval.HourOf(now),
		"interval_start": start,
	})
	log.Info("Interval boundary reached")

	s.flusher.Flush(ctx)

	windows, err := s.store.WindowAggregates(ctx, completed)
	if err != nil {
		log.WithError(err).Error("Failed to aggregate completed interval")
	}
	for _, w := range windows {
		s.cache.SetInterval(ctx, w)
	}

	for _, symbol := range s.hub.SubscribedSymbols() {
		s.hub.BroadcastIntervalUpdate(ctx, symbol)
	}

	deleted, err := s.store.DeleteBefore(ctx, start)
	if err != nil {
		log.WithError(err).Error("Failed to clean up old records")
		return
	}
	log.WithField("deleted", deleted).Info("Old records cleaned up")
}

// cronLogger routes cron's own logging through logrus.
type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error("cron: " + msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
