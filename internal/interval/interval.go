// Package interval defines the fixed 4-hour UTC aggregation buckets.
//
// A day is split into six buckets starting at 01, 05, 09, 13, 17 and 21 UTC.
// Times between 00:00 and 01:00 UTC belong to the previous day's 21:00 bucket.
package interval

import (
	"fmt"
	"time"
)

// Length is the duration of one bucket.
const Length = 4 * time.Hour

// Hours are the canonical bucket start hours in UTC, ascending.
var Hours = []int{1, 5, 9, 13, 17, 21}

// IsBoundaryHour reports whether h is one of the canonical bucket hours.
func IsBoundaryHour(h int) bool {
	for _, b := range Hours {
		if b == h {
			return true
		}
	}
	return false
}

// HourOf returns the bucket hour that t belongs to.
func HourOf(t time.Time) int {
	h := t.UTC().Hour()
	for i := len(Hours) - 1; i >= 0; i-- {
		if h >= Hours[i] {
			return Hours[i]
		}
	}
	return Hours[len(Hours)-1]
}

// StartOf returns the start of the bucket containing t.
func StartOf(t time.Time) time.Time {
	u := t.UTC()
	hour := HourOf(u)
	day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	if u.Hour() < Hours[0] {
		day = day.AddDate(0, 0, -1)
	}
	return day.Add(time.Duration(hour) * time.Hour)
}

// NextStartAfter returns the first bucket boundary whose hour is strictly
// greater than the UTC hour of now, rolling over to 01:00 the next day.
func NextStartAfter(now time.Time) time.Time {
	u := now.UTC()
	day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	for _, h := range Hours {
		if h > u.Hour() {
			return day.Add(time.Duration(h) * time.Hour)
		}
	}
	return day.AddDate(0, 0, 1).Add(time.Duration(Hours[0]) * time.Hour)
}

// LatestStartForHour returns the most recent start of the bucket with the
// given hour that is not after now.
func LatestStartForHour(now time.Time, hour int) (time.Time, error) {
	if !IsBoundaryHour(hour) {
		return time.Time{}, fmt.Errorf("invalid interval hour %d", hour)
	}
	u := now.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), hour, 0, 0, 0, time.UTC)
	if start.After(u) {
		start = start.AddDate(0, 0, -1)
	}
	return start, nil
}

// Window is the half-open range [Start, End) of one bucket.
type Window struct {
	Hour  int
	Start time.Time
	End   time.Time
}

// Current returns the bucket containing t.
func Current(t time.Time) Window {
	start := StartOf(t)
	return Window{Hour: HourOf(t), Start: start, End: start.Add(Length)}
}

// Schedule fires at every bucket boundary. It satisfies cron.Schedule.
type Schedule struct{}

// Next returns the next boundary after t.
func (Schedule) Next(t time.Time) time.Time {
	return NextStartAfter(t)
}
