package ingester

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/navid-fn/tickerhub/internal/models"
)

var (
	// ErrMalformedFrame marks a frame that cannot be turned into a tick.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownSymbol marks a well-formed tick for a symbol nobody tracks.
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// streamEnvelope wraps every message of a combined stream connection.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tickerEvent is the 24hr rolling ticker payload. Numbers arrive as strings.
type tickerEvent struct {
	EventType     string `json:"e"`
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	ChangePercent string `json:"P"`
	LastPrice     string `json:"c"`
	Open          string `json:"o"`
	High          string `json:"h"`
	Low           string `json:"l"`
	Volume        string `json:"v"`
}

// ParseTick decodes one upstream frame. Both the combined-stream envelope
// and a bare ticker payload are accepted. receivedAt becomes the tick's
// ingestion time.
func ParseTick(raw []byte, receivedAt time.Time) (models.Tick, error) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Tick{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	payload := raw
	if len(env.Data) > 0 {
		payload = env.Data
	}

	var ev tickerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return models.Tick{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	if symbol == "" {
		return models.Tick{}, fmt.Errorf("%w: missing symbol", ErrMalformedFrame)
	}

	price, err := decimal.NewFromString(ev.LastPrice)
	if err != nil {
		return models.Tick{}, fmt.Errorf("%w: price %q: %v", ErrMalformedFrame, ev.LastPrice, err)
	}
	if !price.IsPositive() {
		return models.Tick{}, fmt.Errorf("%w: non-positive price %s", ErrMalformedFrame, price)
	}

	open, err := optionalDecimal(ev.Open)
	if err != nil {
		return models.Tick{}, fmt.Errorf("%w: open: %v", ErrMalformedFrame, err)
	}
	high, err := optionalDecimal(ev.High)
	if err != nil {
		return models.Tick{}, fmt.Errorf("%w: high: %v", ErrMalformedFrame, err)
	}
	low, err := optionalDecimal(ev.Low)
	if err != nil {
		return models.Tick{}, fmt.Errorf("%w: low: %v", ErrMalformedFrame, err)
	}
	volume, err := optionalDecimal(ev.Volume)
	if err != nil {
		return models.Tick{}, fmt.Errorf("%w: volume: %v", ErrMalformedFrame, err)
	}

	change, err := changePercent(ev.ChangePercent, price, open)
	if err != nil {
		return models.Tick{}, fmt.Errorf("%w: change percent: %v", ErrMalformedFrame, err)
	}

	tick := models.Tick{
		Symbol:        symbol,
		Price:         price.InexactFloat64(),
		Volume:        volume.InexactFloat64(),
		High:          high.InexactFloat64(),
		Low:           low.InexactFloat64(),
		Open:          open.InexactFloat64(),
		ChangePercent: change.InexactFloat64(),
		ReceivedAt:    receivedAt,
	}
	if ev.EventTime > 0 {
		tick.EventTime = time.UnixMilli(ev.EventTime).UTC()
	}
	return tick, nil
}

func optionalDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// changePercent prefers the exchange-reported value and otherwise derives
// it from the 24h open. Zero when neither is available.
func changePercent(reported string, last, open decimal.Decimal) (decimal.Decimal, error) {
	if reported != "" {
		return decimal.NewFromString(reported)
	}
	if open.IsZero() {
		return decimal.Zero, nil
	}
	return last.Sub(open).Div(open).Mul(decimal.NewFromInt(100)), nil
}
