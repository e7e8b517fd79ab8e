package models

import "time"

// PriceRecord is the persisted representation of one flush cycle for a symbol.
type PriceRecord struct {
	// Symbol is the upper-cased trading pair.
	Symbol string `json:"symbol"`

	// Price is the mean of all buffered tick prices.
	Price float64 `json:"price"`

	// Timestamp is the ingestion time of the last buffered tick.
	Timestamp time.Time `json:"timestamp"`

	// IntervalHour is the UTC hour (1, 5, 9, 13, 17 or 21) starting the bucket.
	IntervalHour int `json:"intervalHour"`

	// IntervalStartTime is the UTC start of the 4-hour bucket.
	IntervalStartTime time.Time `json:"intervalStartTime"`

	// Volume is the summed volume of the buffered ticks.
	Volume float64 `json:"volume,omitempty"`

	High  float64 `json:"high,omitempty"`
	Low   float64 `json:"low,omitempty"`
	Open  float64 `json:"open,omitempty"`
	Close float64 `json:"close,omitempty"`
}

// IntervalWindow is an aggregate over all records of one 4-hour bucket.
type IntervalWindow struct {
	Symbol            string    `json:"symbol"`
	IntervalHour      int       `json:"intervalHour"`
	IntervalStartTime time.Time `json:"intervalStartTime"`
	Open              float64   `json:"open"`
	Close             float64   `json:"close"`
	High              float64   `json:"high"`
	Low               float64   `json:"low"`
	AvgPrice          float64   `json:"avgPrice"`
	Volume            float64   `json:"volume"`
	Count             int64     `json:"count"`
}

// CacheEntry is the latest known price of a symbol.
type CacheEntry struct {
	Symbol             string  `json:"symbol"`
	Price              float64 `json:"price"`
	Timestamp          int64   `json:"timestamp"`
	PriceChangePercent float64 `json:"priceChangePercent"`
}

// PricePoint is one element of the rolling recent-price window.
type PricePoint struct {
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// Symbol is a tracked trading pair as stored by the symbol registry.
type Symbol struct {
	Symbol     string `gorm:"column:symbol;primaryKey"`
	BaseAsset  string `gorm:"column:base_asset"`
	QuoteAsset string `gorm:"column:quote_asset"`
	IsActive   bool   `gorm:"column:is_active"`
}

// TableName binds Symbol to the symbols table.
func (Symbol) TableName() string {
	return "symbols"
}
