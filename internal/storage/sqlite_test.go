package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/tickerhub/internal/interval"
	"github.com/navid-fn/tickerhub/internal/models"
)

func newTestStore(t *testing.T) Storage {
	t.Helper()
	s, err := NewSQLiteStorage(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(symbol string, price float64, ts time.Time) *models.PriceRecord {
	return &models.PriceRecord{
		Symbol:            symbol,
		Price:             price,
		Timestamp:         ts,
		IntervalHour:      interval.HourOf(ts),
		IntervalStartTime: interval.StartOf(ts),
		Volume:            1,
		High:              price,
		Low:               price,
		Open:              price,
		Close:             price,
	}
}

func TestSaveAndRecordsBetween(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRecords(ctx, []*models.PriceRecord{
		record("BTCUSDT", 3, base.Add(2*time.Minute)),
		record("BTCUSDT", 1, base),
		record("BTCUSDT", 2, base.Add(time.Minute)),
		record("ETHUSDT", 9, base.Add(time.Minute)),
	}))

	got, err := s.RecordsBetween(ctx, "BTCUSDT", base, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []float64{1, 2, 3}, []float64{got[0].Price, got[1].Price, got[2].Price})
	assert.True(t, base.Equal(got[0].Timestamp))
	assert.Equal(t, 9, got[0].IntervalHour)
	assert.True(t, base.Equal(got[0].IntervalStartTime))

	got, err = s.RecordsBetween(ctx, "BTCUSDT", base.Add(30*time.Second), base.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].Price)
}

func TestSaveRecordsEmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.SaveRecords(context.Background(), nil))
}

func TestDeleteBeforeIsStrict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boundary := time.Date(2024, 5, 2, 13, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRecords(ctx, []*models.PriceRecord{
		record("BTCUSDT", 1, boundary.Add(-time.Millisecond)),
		record("BTCUSDT", 2, boundary.Add(-time.Hour)),
		record("BTCUSDT", 3, boundary),
		record("BTCUSDT", 4, boundary.Add(time.Second)),
	}))

	n, err := s.DeleteBefore(ctx, boundary)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := s.RecordsBetween(ctx, "BTCUSDT", boundary.Add(-24*time.Hour), boundary.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.True(t, boundary.Equal(left[0].Timestamp), "record at the boundary must survive")
}

func TestIntervalAggregate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	start := time.Date(2024, 5, 2, 13, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRecords(ctx, []*models.PriceRecord{
		record("BTCUSDT", 100, start.Add(time.Minute)),
		record("BTCUSDT", 120, start.Add(2*time.Minute)),
		record("BTCUSDT", 90, start.Add(3*time.Minute)),
		record("BTCUSDT", 110, start.Add(4*time.Minute)),
		// previous bucket, must not leak in
		record("BTCUSDT", 500, start.Add(-time.Minute)),
	}))

	w, err := s.IntervalAggregate(ctx, "BTCUSDT", start)
	require.NoError(t, err)
	require.NotNil(t, w)

	assert.Equal(t, "BTCUSDT", w.Symbol)
	assert.Equal(t, 13, w.IntervalHour)
	assert.True(t, start.Equal(w.IntervalStartTime))
	assert.Equal(t, 100.0, w.Open)
	assert.Equal(t, 110.0, w.Close)
	assert.Equal(t, 120.0, w.High)
	assert.Equal(t, 90.0, w.Low)
	assert.InDelta(t, 105.0, w.AvgPrice, 1e-9)
	assert.Equal(t, 4.0, w.Volume)
	assert.Equal(t, int64(4), w.Count)

	w, err = s.IntervalAggregate(ctx, "ETHUSDT", start)
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestWindowAggregatesPerSymbol(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	start := time.Date(2024, 5, 2, 5, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRecords(ctx, []*models.PriceRecord{
		record("ETHUSDT", 10, start.Add(time.Minute)),
		record("BTCUSDT", 1, start.Add(time.Minute)),
		record("BTCUSDT", 3, start.Add(2*time.Minute)),
	}))

	got, err := s.WindowAggregates(ctx, start)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.Equal(t, int64(2), got[0].Count)
	assert.Equal(t, 3.0, got[0].Close)
	assert.Equal(t, "ETHUSDT", got[1].Symbol)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := gooseDialect("mongo")
	assert.Error(t, err)
}
