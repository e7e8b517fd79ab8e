package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/tickerhub/internal/hub"
	"github.com/navid-fn/tickerhub/internal/ingester"
	"github.com/navid-fn/tickerhub/internal/logger"
	"github.com/navid-fn/tickerhub/internal/upstream"
)

type fakeHub struct{}

func (fakeHub) Serve(_ context.Context, conn *websocket.Conn) {
	defer conn.Close()
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, append([]byte("echo:"), msg...))
}

func (fakeHub) Stats() hub.Stats {
	return hub.Stats{TotalClients: 2, TotalSubscriptions: 3, SymbolSubscriptionCounts: map[string]int{"BTCUSDT": 2, "ETHUSDT": 1}}
}

type fakeUpstream struct{ states []upstream.State }

func (f fakeUpstream) Status() []upstream.ShardStatus {
	out := make([]upstream.ShardStatus, len(f.states))
	for i, st := range f.states {
		out[i] = upstream.ShardStatus{ID: i, State: st}
	}
	return out
}

func (fakeUpstream) Rejected() int64 { return 7 }

type fakeIngest struct{}

func (fakeIngest) Stats() ingester.Stats { return ingester.Stats{Received: 10, Flushed: 4, Tracked: 2} }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type fakeTracker struct {
	symbols []string
	err     error
}

func (f *fakeTracker) Symbols() []string { return f.symbols }
func (f *fakeTracker) Reload(context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.symbols = []string{"BTCUSDT", "SOLUSDT"}
	return f.symbols, nil
}

func newTestRouter(store, cache error, tracker *fakeTracker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logger.Discard()
	up := fakeUpstream{states: []upstream.State{upstream.StateOpen, upstream.StateReconnecting}}
	return NewRouter(&Config{
		StreamHandler:  NewStreamHandler(fakeHub{}, log),
		StatusHandler:  NewStatusHandler(fakeHub{}, up, fakeIngest{}, pinger{store}, pinger{cache}),
		SymbolsHandler: NewSymbolsHandler(tracker, log),
		Logger:         log,
	})
}

func doJSON(t *testing.T, r http.Handler, method, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		store    error
		cache    error
		code     int
		status   string
		cacheVal string
	}{
		{"all up", nil, nil, http.StatusOK, "ok", "up"},
		{"cache down", nil, errors.New("refused"), http.StatusOK, "degraded", "down"},
		{"store down", errors.New("refused"), nil, http.StatusServiceUnavailable, "unavailable", "up"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := doJSON(t, newTestRouter(tt.store, tt.cache, &fakeTracker{}), http.MethodGet, "/health")
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, body["status"])
			assert.Equal(t, tt.cacheVal, body["cache"])

			shards := body["shards"].(map[string]any)
			assert.EqualValues(t, 1, shards["open"])
			assert.EqualValues(t, 2, shards["total"])
		})
	}
}

func TestStats(t *testing.T) {
	code, body := doJSON(t, newTestRouter(nil, nil, &fakeTracker{}), http.MethodGet, "/v1/stats")
	require.Equal(t, http.StatusOK, code)

	h := body["hub"].(map[string]any)
	assert.EqualValues(t, 2, h["totalClients"])
	assert.EqualValues(t, 3, h["totalSubscriptions"])

	assert.EqualValues(t, 7, body["rejectedFrames"])

	ing := body["ingester"].(map[string]any)
	assert.EqualValues(t, 10, ing["received"])

	up := body["upstream"].([]any)
	require.Len(t, up, 2)
	assert.Equal(t, "reconnecting", up[1].(map[string]any)["state"])
}

func TestSymbolsListAndReload(t *testing.T) {
	tracker := &fakeTracker{symbols: []string{"BTCUSDT"}}
	r := newTestRouter(nil, nil, tracker)

	code, body := doJSON(t, r, http.MethodGet, "/v1/symbols")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = doJSON(t, r, http.MethodPost, "/v1/symbols/reload")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["count"])
	assert.Equal(t, []any{"BTCUSDT", "SOLUSDT"}, body["symbols"])
}

func TestSymbolsReloadFailure(t *testing.T) {
	r := newTestRouter(nil, nil, &fakeTracker{err: errors.New("registry down")})
	code, body := doJSON(t, r, http.MethodPost, "/v1/symbols/reload")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "registry down", body["error"])
}

func TestStreamUpgrade(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(nil, nil, &fakeTracker{}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://elsewhere.example"}})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(msg))
}

func TestStreamRejectsPlainHTTP(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter(nil, nil, &fakeTracker{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerShutdown(t *testing.T) {
	s := New("127.0.0.1:0", http.NotFoundHandler(), logger.Discard())
	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
