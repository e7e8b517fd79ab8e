package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickerhub/internal/hub"
	"github.com/navid-fn/tickerhub/internal/ingester"
	"github.com/navid-fn/tickerhub/internal/upstream"
)

// Hub is the downstream side the stream handler hands connections to.
type Hub interface {
	Serve(ctx context.Context, conn *websocket.Conn)
	Stats() hub.Stats
}

// StreamHandler upgrades /ws requests and hands them to the hub.
type StreamHandler struct {
	hub      Hub
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

func NewStreamHandler(h Hub, logger *logrus.Logger) *StreamHandler {
	return &StreamHandler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *StreamHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	// the request context ends with the handler, the hub owns the socket now
	h.hub.Serve(context.WithoutCancel(c.Request.Context()), conn)
}

// ShardStatuser reports upstream shard state.
type ShardStatuser interface {
	Status() []upstream.ShardStatus
	Rejected() int64
}

// IngestStatser reports ingestion counters.
type IngestStatser interface {
	Stats() ingester.Stats
}

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusHandler serves health and statistics.
type StatusHandler struct {
	hub      Hub
	upstream ShardStatuser
	ingest   IngestStatser
	store    Pinger
	cache    Pinger
}

func NewStatusHandler(h Hub, up ShardStatuser, ingest IngestStatser, store, cache Pinger) *StatusHandler {
	return &StatusHandler{hub: h, upstream: up, ingest: ingest, store: store, cache: cache}
}

// Health reports 503 only when the store is down; a missing cache is a
// degraded but working service.
func (h *StatusHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok", "store": "up", "cache": "up"}

	if err := h.store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
		body["store"] = err.Error()
	}
	if err := h.cache.Ping(ctx); err != nil {
		if status == http.StatusOK {
			body["status"] = "degraded"
		}
		body["cache"] = "down"
	}

	open := 0
	shards := h.upstream.Status()
	for _, s := range shards {
		if s.State == upstream.StateOpen {
			open++
		}
	}
	body["shards"] = gin.H{"open": open, "total": len(shards)}

	c.JSON(status, body)
}

func (h *StatusHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"upstream":       h.upstream.Status(),
		"rejectedFrames": h.upstream.Rejected(),
		"ingester":       h.ingest.Stats(),
		"hub":            h.hub.Stats(),
	})
}

// SymbolTracker lists and reloads tracked symbols.
type SymbolTracker interface {
	Symbols() []string
	Reload(ctx context.Context) ([]string, error)
}

type SymbolsHandler struct {
	tracker SymbolTracker
	logger  *logrus.Logger
}

func NewSymbolsHandler(tracker SymbolTracker, logger *logrus.Logger) *SymbolsHandler {
	return &SymbolsHandler{tracker: tracker, logger: logger}
}

func (h *SymbolsHandler) List(c *gin.Context) {
	symbols := h.tracker.Symbols()
	c.JSON(http.StatusOK, gin.H{"symbols": symbols, "count": len(symbols)})
}

func (h *SymbolsHandler) Reload(c *gin.Context) {
	symbols, err := h.tracker.Reload(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Symbol reload failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbols": symbols, "count": len(symbols)})
}
