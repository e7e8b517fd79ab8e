// Package hub fans realtime prices out to downstream websocket clients.
//
// Each client has an interest set of symbols. Price pushes, interval
// updates and request responses are queued per client and written by that
// client's own writer goroutine, so a slow client never blocks the others.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickerhub/configs"
	"github.com/navid-fn/tickerhub/internal/interval"
	"github.com/navid-fn/tickerhub/internal/models"
)

// ErrClosed is returned when registering on a closed hub.
var ErrClosed = errors.New("hub closed")

// Cache is the realtime view the hub reads from.
type Cache interface {
	GetLatest(ctx context.Context, symbol string) (models.CacheEntry, bool)
	GetLatestMany(ctx context.Context, symbols []string) map[string]models.CacheEntry
	GetWindow(ctx context.Context, symbol string, limit int) []models.PricePoint
	GetInterval(ctx context.Context, symbol string, start time.Time, hour int) (models.IntervalWindow, bool)
	SetInterval(ctx context.Context, w models.IntervalWindow)
}

// Store serves history and bucket aggregates.
type Store interface {
	RecordsBetween(ctx context.Context, symbol string, from, to time.Time) ([]*models.PriceRecord, error)
	IntervalAggregate(ctx context.Context, symbol string, start time.Time) (*models.IntervalWindow, error)
}

// Config holds hub tuning.
type Config struct {
	SendQueue         int
	RequestsPerSecond float64
	RequestBurst      int

	// InitialPoints is how many window points initial_data carries.
	InitialPoints int

	// HistoryFallback is the lookback used when the current bucket is empty.
	HistoryFallback time.Duration
}

// ConfigFrom maps the environment settings onto a Config.
func ConfigFrom(c configs.HubConfig) Config {
	return Config{
		SendQueue:         c.SendQueue,
		RequestsPerSecond: c.RequestsPerSecond,
		RequestBurst:      c.RequestBurst,
	}
}

func (c *Config) applyDefaults() {
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.RequestBurst <= 0 {
		c.RequestBurst = 20
	}
	if c.InitialPoints <= 0 {
		c.InitialPoints = 60
	}
	if c.HistoryFallback <= 0 {
		c.HistoryFallback = time.Hour
	}
}

// Hub tracks clients and their subscriptions.
type Hub struct {
	cache  Cache
	store  Store
	logger *logrus.Logger
	cfg    Config
	now    func() time.Time

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

// New creates a Hub.
func New(cache Cache, store Store, logger *logrus.Logger, cfg Config) *Hub {
	cfg.applyDefaults()
	return &Hub{
		cache:   cache,
		store:   store,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*Client),
	}
}

// Serve runs conn until it disconnects or the hub closes. It blocks.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) {
	c, err := h.Register(conn)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer h.Unregister(c.id)

	go c.writePump()
	h.readPump(ctx, c)
}

// Register adds a client with an empty interest set.
func (h *Hub) Register(conn *websocket.Conn) (*Client, error) {
	c := newClient(uuid.NewString(), conn, h.cfg)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.clients[c.id] = c

	h.logger.WithField("client", c.id).Info("Client connected")
	return c, nil
}

// Unregister drops a client and its subscriptions.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()

	if ok {
		c.closeSend()
		h.logger.WithField("client", id).Info("Client disconnected")
	}
}

func (h *Hub) client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) readPump(ctx context.Context, c *Client) {
	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).WithField("client", c.id).Debug("Client read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.Dispatch(ctx, c, raw)
	}
}

// Dispatch handles one client frame. Every failure is answered with an
// error event to that client only.
func (h *Hub) Dispatch(ctx context.Context, c *Client, raw []byte) {
	if !c.limiter.Allow() {
		h.sendError(c, "rate limit exceeded")
		return
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendError(c, "invalid message")
		return
	}

	switch env.Event {
	case EventSubscribe, EventUnsubscribe:
		var req symbolsRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			h.sendError(c, "invalid "+env.Event+" payload")
			return
		}
		symbols, err := normalizeSymbols(req.Symbols)
		if err != nil {
			h.sendError(c, err.Error())
			return
		}
		if env.Event == EventSubscribe {
			h.subscribe(ctx, c, symbols)
		} else {
			h.unsubscribe(c, symbols)
		}

	case EventGetHistorical:
		var req historicalRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			h.sendError(c, "invalid get_historical payload")
			return
		}
		resp, err := h.Historical(ctx, req.Symbol, req.IntervalHour)
		if err != nil {
			h.logger.WithError(err).WithField("client", c.id).Debug("Historical request failed")
			h.sendError(c, "Failed to fetch historical data: "+err.Error())
			return
		}
		h.push(c, EventHistoricalData, resp)

	default:
		h.sendError(c, fmt.Sprintf("unknown event %q", env.Event))
	}
}

func normalizeSymbols(symbols []string) ([]string, error) {
	if len(symbols) == 0 {
		return nil, errors.New("symbols must be a non-empty list")
	}
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			return nil, errors.New("symbols must not be empty strings")
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

// Subscribe adds symbols to the interest set of client id.
func (h *Hub) Subscribe(ctx context.Context, id string, symbols []string) error {
	c, ok := h.client(id)
	if !ok {
		return fmt.Errorf("unknown client %s", id)
	}
	normalized, err := normalizeSymbols(symbols)
	if err != nil {
		return err
	}
	h.subscribe(ctx, c, normalized)
	return nil
}

func (h *Hub) subscribe(ctx context.Context, c *Client, symbols []string) {
	added := c.add(symbols)
	h.logger.WithFields(logrus.Fields{"client": c.id, "symbols": len(symbols), "added": len(added)}).
		Debug("Client subscribed")

	h.push(c, EventSubscribed, SubscriptionAck{Symbols: symbols, Timestamp: h.now().UnixMilli()})
	if len(added) == 0 {
		return
	}

	snapshots := make([]SymbolSnapshot, len(added))
	for i, s := range added {
		snapshots[i] = h.symbolSnapshot(ctx, s)
	}
	h.push(c, EventInitialData, InitialData{Data: snapshots, Timestamp: h.now().UnixMilli()})
}

// Unsubscribe removes symbols from the interest set of client id.
func (h *Hub) Unsubscribe(id string, symbols []string) error {
	c, ok := h.client(id)
	if !ok {
		return fmt.Errorf("unknown client %s", id)
	}
	normalized, err := normalizeSymbols(symbols)
	if err != nil {
		return err
	}
	h.unsubscribe(c, normalized)
	return nil
}

func (h *Hub) unsubscribe(c *Client, symbols []string) {
	c.remove(symbols)
	h.push(c, EventUnsubscribed, SubscriptionAck{Symbols: symbols, Timestamp: h.now().UnixMilli()})
}

func (h *Hub) symbolSnapshot(ctx context.Context, symbol string) SymbolSnapshot {
	snap := SymbolSnapshot{
		Symbol:     symbol,
		TimeSeries: h.cache.GetWindow(ctx, symbol, h.cfg.InitialPoints),
		Intervals:  make([]IntervalSnapshot, 0, len(interval.Hours)),
	}
	if snap.TimeSeries == nil {
		snap.TimeSeries = []models.PricePoint{}
	}
	if entry, ok := h.cache.GetLatest(ctx, symbol); ok {
		snap.CurrentPrice = &entry
	}

	now := h.now()
	for _, hour := range interval.Hours {
		start, err := interval.LatestStartForHour(now, hour)
		if err != nil {
			continue
		}
		snap.Intervals = append(snap.Intervals, IntervalSnapshot{
			IntervalHour: hour,
			Data:         h.intervalAggregate(ctx, symbol, start, hour),
		})
	}
	return snap
}

// intervalAggregate reads a bucket aggregate through the cache. Only
// completed buckets are written back; the current one still changes.
func (h *Hub) intervalAggregate(ctx context.Context, symbol string, start time.Time, hour int) *models.IntervalWindow {
	if w, ok := h.cache.GetInterval(ctx, symbol, start, hour); ok {
		return &w
	}

	w, err := h.store.IntervalAggregate(ctx, symbol, start)
	if err != nil {
		h.logger.WithError(err).WithField("symbol", symbol).Warn("Failed to aggregate interval")
		return nil
	}
	if w == nil {
		return nil
	}
	w.IntervalHour = hour
	if !start.Add(interval.Length).After(h.now()) {
		h.cache.SetInterval(ctx, *w)
	}
	return w
}

// BroadcastPrices pushes the latest prices to every client. The union of
// all interest sets is fetched once; each client only receives its own
// subset, and nothing when that subset is empty. It returns how many
// clients received a push.
func (h *Hub) BroadcastPrices(ctx context.Context) int {
	clients := h.snapshot()
	if len(clients) == 0 {
		return 0
	}

	union := make(map[string]struct{})
	for _, c := range clients {
		c.subMu.RLock()
		for s := range c.subs {
			union[s] = struct{}{}
		}
		c.subMu.RUnlock()
	}
	if len(union) == 0 {
		return 0
	}

	symbols := make([]string, 0, len(union))
	for s := range union {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	latest := h.cache.GetLatestMany(ctx, symbols)
	if len(latest) == 0 {
		return 0
	}

	now := h.now().UnixMilli()
	pushed := 0
	for _, c := range clients {
		var updates []PriceUpdateItem
		for _, s := range symbols {
			entry, ok := latest[s]
			if !ok || !c.subscribed(s) {
				continue
			}
			updates = append(updates, PriceUpdateItem{
				Symbol:             s,
				Price:              entry.Price,
				PriceChangePercent: entry.PriceChangePercent,
				Timestamp:          entry.Timestamp,
			})
		}
		if len(updates) == 0 {
			continue
		}
		if h.push(c, EventPriceUpdate, PriceUpdate{Updates: updates, Timestamp: now}) {
			pushed++
		}
	}
	return pushed
}

// BroadcastIntervalUpdate announces the bucket that just completed for
// symbol to every client subscribed to it.
func (h *Hub) BroadcastIntervalUpdate(ctx context.Context, symbol string) int {
	var targets []*Client
	for _, c := range h.snapshot() {
		if c.subscribed(symbol) {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return 0
	}

	start := interval.StartOf(h.now()).Add(-interval.Length)
	hour := interval.HourOf(start)
	msg := IntervalUpdate{
		Symbol:       symbol,
		IntervalHour: hour,
		Data:         h.intervalAggregate(ctx, symbol, start, hour),
		Timestamp:    h.now().UnixMilli(),
	}

	pushed := 0
	for _, c := range targets {
		if h.push(c, EventIntervalUpdate, msg) {
			pushed++
		}
	}
	return pushed
}

// Historical returns the stored records of symbol for the current bucket,
// or for the latest occurrence of intervalHour when given. An empty bucket
// falls back to the last HistoryFallback of records.
func (h *Hub) Historical(ctx context.Context, symbol string, intervalHour *int) (HistoricalData, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return HistoricalData{}, errors.New("symbol is required")
	}

	now := h.now()
	w := interval.Current(now)
	if intervalHour != nil {
		start, err := interval.LatestStartForHour(now, *intervalHour)
		if err != nil {
			return HistoricalData{}, err
		}
		w = interval.Window{Hour: *intervalHour, Start: start, End: start.Add(interval.Length)}
	}

	to := now
	if w.End.Before(now) {
		to = w.End.Add(-time.Millisecond)
	}

	records, err := h.store.RecordsBetween(ctx, symbol, w.Start, to)
	if err != nil {
		return HistoricalData{}, err
	}
	if len(records) == 0 {
		records, err = h.store.RecordsBetween(ctx, symbol, now.Add(-h.cfg.HistoryFallback), now)
		if err != nil {
			return HistoricalData{}, err
		}
	}
	if records == nil {
		records = []*models.PriceRecord{}
	}

	return HistoricalData{
		Symbol:            symbol,
		IntervalHour:      w.Hour,
		IntervalStartTime: w.Start,
		Data:              records,
		Timestamp:         now.UnixMilli(),
	}, nil
}

// SubscribedSymbols returns every symbol at least one client follows.
func (h *Hub) SubscribedSymbols() []string {
	return h.Stats().symbols()
}

// Stats summarises connections and subscriptions.
type Stats struct {
	TotalClients             int            `json:"totalClients"`
	TotalSubscriptions       int            `json:"totalSubscriptions"`
	SymbolSubscriptionCounts map[string]int `json:"symbolSubscriptionCounts"`
	DroppedFrames            int64          `json:"droppedFrames"`
}

func (s Stats) symbols() []string {
	out := make([]string, 0, len(s.SymbolSubscriptionCounts))
	for sym := range s.SymbolSubscriptionCounts {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Stats returns current totals.
func (h *Hub) Stats() Stats {
	clients := h.snapshot()
	st := Stats{
		TotalClients:             len(clients),
		SymbolSubscriptionCounts: make(map[string]int),
	}
	for _, c := range clients {
		for _, s := range c.Symbols() {
			st.TotalSubscriptions++
			st.SymbolSubscriptionCounts[s]++
		}
		st.DroppedFrames += c.Dropped()
	}
	return st
}

// Close disconnects every client and rejects new ones. Safe to call twice.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
	}
	h.logger.WithField("clients", len(clients)).Info("Hub closed")
}

func (h *Hub) push(c *Client, event string, payload any) bool {
	frame, err := encode(event, payload)
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("Failed to encode frame")
		return false
	}
	return c.enqueue(frame)
}

func (h *Hub) sendError(c *Client, message string) {
	h.push(c, EventError, ErrorMessage{Message: message})
}
