// Package models defines the domain models used across the application.
package models

import "time"

// Tick is one normalized ticker observation for a symbol.
// Ticks are never persisted individually; they are buffered and flushed
// as a single PriceRecord per symbol.
type Tick struct {
	// Symbol is the upper-cased exchange symbol (e.g., "BTCUSDT").
	Symbol string `json:"symbol"`

	// Price is the last traded price.
	Price float64 `json:"price"`

	// Volume is the 24h base asset volume reported by the exchange.
	Volume float64 `json:"volume"`

	// High is the 24h high price.
	High float64 `json:"high"`

	// Low is the 24h low price.
	Low float64 `json:"low"`

	// Open is the 24h open price.
	Open float64 `json:"open"`

	// ChangePercent is the 24h price change percent.
	ChangePercent float64 `json:"priceChangePercent"`

	// EventTime is the exchange server timestamp of the event.
	EventTime time.Time `json:"eventTime"`

	// ReceivedAt is the wall-clock time the tick was ingested.
	ReceivedAt time.Time `json:"receivedAt"`
}

// TimestampMillis returns the ingestion time in unix milliseconds.
func (t Tick) TimestampMillis() int64 {
	return t.ReceivedAt.UnixMilli()
}
