package interval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestHourOf(t *testing.T) {
	tests := []struct {
		name     string
		at       time.Time
		expected int
	}{
		{"before first boundary", utc(2024, 5, 2, 0, 30), 21},
		{"midnight", utc(2024, 5, 2, 0, 0), 21},
		{"exactly 01:00", utc(2024, 5, 2, 1, 0), 1},
		{"04:59", utc(2024, 5, 2, 4, 59), 1},
		{"13:59", utc(2024, 5, 2, 13, 59), 13},
		{"21:00", utc(2024, 5, 2, 21, 0), 21},
		{"23:59", utc(2024, 5, 2, 23, 59), 21},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HourOf(tt.at))
		})
	}
}

func TestHourOfEveryHour(t *testing.T) {
	day := utc(2024, 5, 2, 0, 0)
	for h := 0; h < 24; h++ {
		got := HourOf(day.Add(time.Duration(h) * time.Hour))
		require.True(t, IsBoundaryHour(got), "hour %d mapped to %d", h, got)

		if h < 1 {
			assert.Equal(t, 21, got)
			continue
		}
		assert.LessOrEqual(t, got, h)
		assert.Greater(t, got+4, h, "hour %d is outside bucket %d", h, got)
	}
}

func TestHourOfConvertsToUTC(t *testing.T) {
	tehran := time.FixedZone("IRST", 3*3600+1800)
	// 04:00 local is 00:30 UTC
	at := time.Date(2024, 5, 2, 4, 0, 0, 0, tehran)
	assert.Equal(t, 21, HourOf(at))
}

func TestStartOf(t *testing.T) {
	tests := []struct {
		name     string
		at       time.Time
		expected time.Time
	}{
		{"previous day bucket", utc(2024, 5, 2, 0, 30), utc(2024, 5, 1, 21, 0)},
		{"first day of month rolls back", utc(2024, 5, 1, 0, 10), utc(2024, 4, 30, 21, 0)},
		{"new year", utc(2025, 1, 1, 0, 59), utc(2024, 12, 31, 21, 0)},
		{"same day", utc(2024, 5, 2, 14, 20), utc(2024, 5, 2, 13, 0)},
		{"at boundary", utc(2024, 5, 2, 17, 0), utc(2024, 5, 2, 17, 0)},
		{"late evening", utc(2024, 5, 2, 23, 0), utc(2024, 5, 2, 21, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StartOf(tt.at)
			assert.True(t, tt.expected.Equal(got), "expected %s, got %s", tt.expected, got)
			assert.True(t, IsBoundaryHour(got.Hour()))
		})
	}
}

func TestNextStartAfter(t *testing.T) {
	tests := []struct {
		name     string
		at       time.Time
		expected time.Time
	}{
		{"after last boundary", utc(2024, 5, 2, 22, 0), utc(2024, 5, 3, 1, 0)},
		{"within first bucket", utc(2024, 5, 2, 3, 0), utc(2024, 5, 2, 5, 0)},
		{"midnight", utc(2024, 5, 2, 0, 0), utc(2024, 5, 2, 1, 0)},
		{"exactly at boundary", utc(2024, 5, 2, 5, 0), utc(2024, 5, 2, 9, 0)},
		{"end of month", utc(2024, 5, 31, 21, 30), utc(2024, 6, 1, 1, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextStartAfter(tt.at)
			assert.True(t, tt.expected.Equal(got), "expected %s, got %s", tt.expected, got)
			assert.True(t, got.After(tt.at))
		})
	}
}

func TestLatestStartForHour(t *testing.T) {
	now := utc(2024, 5, 2, 10, 0)

	got, err := LatestStartForHour(now, 9)
	require.NoError(t, err)
	assert.True(t, utc(2024, 5, 2, 9, 0).Equal(got))

	got, err = LatestStartForHour(now, 13)
	require.NoError(t, err)
	assert.True(t, utc(2024, 5, 1, 13, 0).Equal(got))

	_, err = LatestStartForHour(now, 4)
	assert.Error(t, err)
}

func TestCurrentWindow(t *testing.T) {
	w := Current(utc(2024, 5, 2, 0, 30))
	assert.Equal(t, 21, w.Hour)
	assert.True(t, utc(2024, 5, 1, 21, 0).Equal(w.Start))
	assert.True(t, utc(2024, 5, 2, 1, 0).Equal(w.End))
}

func TestScheduleMatchesNextStartAfter(t *testing.T) {
	var s Schedule
	at := utc(2024, 5, 2, 12, 15)
	assert.True(t, utc(2024, 5, 2, 13, 0).Equal(s.Next(at)))
}
