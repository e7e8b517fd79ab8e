package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/tickerhub/configs"
	"github.com/navid-fn/tickerhub/internal/ingester"
	"github.com/navid-fn/tickerhub/internal/logger"
	"github.com/navid-fn/tickerhub/internal/models"
)

// recorder collects calls from every fake in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recorder) count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeFlusher struct{ rec *recorder }

func (f fakeFlusher) Flush(context.Context) ingester.FlushReport {
	f.rec.add("flush")
	return ingester.FlushReport{}
}

type fakeHub struct {
	rec  *recorder
	subs []string
}

func (h fakeHub) BroadcastPrices(context.Context) int {
	h.rec.add("broadcast")
	return 0
}

func (h fakeHub) BroadcastIntervalUpdate(_ context.Context, symbol string) int {
	h.rec.add("interval_update:" + symbol)
	return 1
}

func (h fakeHub) SubscribedSymbols() []string { return h.subs }

type fakeStore struct {
	rec          *recorder
	aggregatedAt time.Time
	cutoff       time.Time
}

func (s *fakeStore) WindowAggregates(_ context.Context, start time.Time) ([]models.IntervalWindow, error) {
	s.rec.add("aggregate")
	s.aggregatedAt = start
	return []models.IntervalWindow{{Symbol: "BTCUSDT", IntervalHour: 9, IntervalStartTime: start}}, nil
}

func (s *fakeStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.rec.add("delete")
	s.cutoff = cutoff
	return 3, nil
}

type fakeCache struct {
	rec    *recorder
	cached []models.IntervalWindow
}

func (c *fakeCache) SetInterval(_ context.Context, w models.IntervalWindow) {
	c.rec.add("cache_interval")
	c.cached = append(c.cached, w)
}

func TestRunBoundaryOrder(t *testing.T) {
	rec := &recorder{}
	store := &fakeStore{rec: rec}
	cache := &fakeCache{rec: rec}
	s := New(fakeFlusher{rec}, fakeHub{rec: rec, subs: []string{"BTCUSDT", "ETHUSDT"}}, store, cache,
		logger.Discard(), configs.SchedulerConfig{FlushInterval: time.Second, BroadcastInterval: time.Second})
	s.now = func() time.Time { return time.Date(2024, 5, 2, 13, 0, 0, 5, time.UTC) }

	s.RunBoundary(context.Background())

	assert.Equal(t, []string{
		"flush",
		"aggregate",
		"cache_interval",
		"interval_update:BTCUSDT",
		"interval_update:ETHUSDT",
		"delete",
	}, rec.calls)
	assert.True(t, time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC).Equal(store.aggregatedAt))
	assert.True(t, time.Date(2024, 5, 2, 13, 0, 0, 0, time.UTC).Equal(store.cutoff))
	require.Len(t, cache.cached, 1)
}

func TestRunBoundaryAcrossMidnight(t *testing.T) {
	rec := &recorder{}
	store := &fakeStore{rec: rec}
	s := New(fakeFlusher{rec}, fakeHub{rec: rec}, store, &fakeCache{rec: rec},
		logger.Discard(), configs.SchedulerConfig{FlushInterval: time.Second, BroadcastInterval: time.Second})
	s.now = func() time.Time { return time.Date(2024, 5, 2, 1, 0, 0, 0, time.UTC) }

	s.RunBoundary(context.Background())
	assert.True(t, time.Date(2024, 5, 1, 21, 0, 0, 0, time.UTC).Equal(store.aggregatedAt))
	assert.True(t, time.Date(2024, 5, 2, 1, 0, 0, 0, time.UTC).Equal(store.cutoff))
}

func TestRegisterRejectsZeroIntervals(t *testing.T) {
	rec := &recorder{}
	s := New(fakeFlusher{rec}, fakeHub{rec: rec}, &fakeStore{rec: rec}, &fakeCache{rec: rec},
		logger.Discard(), configs.SchedulerConfig{})
	assert.Error(t, s.RegisterAll())
}

func TestStartRunsJobsAndStopIsIdempotent(t *testing.T) {
	rec := &recorder{}
	s := New(fakeFlusher{rec}, fakeHub{rec: rec}, &fakeStore{rec: rec}, &fakeCache{rec: rec},
		logger.Discard(), configs.SchedulerConfig{FlushInterval: time.Second, BroadcastInterval: time.Second})
	require.NoError(t, s.RegisterAll())

	s.Start()
	assert.Eventually(t, func() bool {
		return rec.count("broadcast") > 0 && rec.count("flush") > 0
	}, 3*time.Second, 20*time.Millisecond)

	s.Stop()
	s.Stop()

	after := rec.count("broadcast")
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, rec.count("broadcast"), "no jobs after stop")
}
