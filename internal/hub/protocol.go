package hub

import (
	"encoding/json"
	"time"

	"github.com/navid-fn/tickerhub/internal/models"
)

// Client to server events.
const (
	EventSubscribe     = "subscribe"
	EventUnsubscribe   = "unsubscribe"
	EventGetHistorical = "get_historical"
)

// Server to client events.
const (
	EventSubscribed     = "subscribed"
	EventUnsubscribed   = "unsubscribed"
	EventInitialData    = "initial_data"
	EventPriceUpdate    = "price_update"
	EventIntervalUpdate = "interval_update"
	EventHistoricalData = "historical_data"
	EventError          = "error"
)

// Envelope is the frame shape in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type symbolsRequest struct {
	Symbols []string `json:"symbols"`
}

type historicalRequest struct {
	Symbol       string `json:"symbol"`
	IntervalHour *int   `json:"intervalHour,omitempty"`
}

// SubscriptionAck answers subscribe and unsubscribe.
type SubscriptionAck struct {
	Symbols   []string `json:"symbols"`
	Timestamp int64    `json:"timestamp"`
}

// IntervalSnapshot is the latest aggregate of one canonical bucket hour.
// Data is nil when nothing is known for that bucket.
type IntervalSnapshot struct {
	IntervalHour int                    `json:"intervalHour"`
	Data         *models.IntervalWindow `json:"data"`
}

// SymbolSnapshot is the initial view of one newly subscribed symbol.
type SymbolSnapshot struct {
	Symbol       string              `json:"symbol"`
	CurrentPrice *models.CacheEntry  `json:"currentPrice"`
	TimeSeries   []models.PricePoint `json:"timeSeries"`
	Intervals    []IntervalSnapshot  `json:"intervals"`
}

// InitialData follows a subscribe for the symbols it added.
type InitialData struct {
	Data      []SymbolSnapshot `json:"data"`
	Timestamp int64            `json:"timestamp"`
}

// PriceUpdateItem is one symbol of a price_update push.
type PriceUpdateItem struct {
	Symbol             string  `json:"symbol"`
	Price              float64 `json:"price"`
	PriceChangePercent float64 `json:"priceChangePercent"`
	Timestamp          int64   `json:"timestamp"`
}

// PriceUpdate carries the subscribed subset of the latest prices.
type PriceUpdate struct {
	Updates   []PriceUpdateItem `json:"updates"`
	Timestamp int64             `json:"timestamp"`
}

// IntervalUpdate announces a completed bucket.
type IntervalUpdate struct {
	Symbol       string                 `json:"symbol"`
	IntervalHour int                    `json:"intervalHour"`
	Data         *models.IntervalWindow `json:"data"`
	Timestamp    int64                  `json:"timestamp"`
}

// HistoricalData answers get_historical.
type HistoricalData struct {
	Symbol            string                `json:"symbol"`
	IntervalHour      int                   `json:"intervalHour"`
	IntervalStartTime time.Time             `json:"intervalStartTime"`
	Data              []*models.PriceRecord `json:"data"`
	Timestamp         int64                 `json:"timestamp"`
}

// ErrorMessage reports a rejected request to its sender only.
type ErrorMessage struct {
	Message string `json:"message"`
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
