package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// WebSocket timeouts
const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// State is the lifecycle state of one shard connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChunkSlice splits a slice into contiguous chunks of at most size items.
func ChunkSlice[T any](items []T, size int) [][]T {
	if size < 1 {
		panic("ChunkSlice: size must be greater than 0")
	}

	length := len(items)
	if length == 0 {
		return nil
	}
	capacity := (length + size - 1) / size
	chunks := make([][]T, 0, capacity)

	for i := 0; i < length; i += size {
		end := min(i+size, length)
		chunks = append(chunks, items[i:end])
	}

	return chunks
}

// StreamURL builds the combined ticker stream URL for symbols.
func StreamURL(base string, symbols []string) string {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@ticker"
	}
	return base + "?streams=" + strings.Join(streams, "/")
}

// linearBackoff waits base×attempt before each retry and stops after
// maxAttempts retries.
func linearBackoff(base time.Duration, maxAttempts int) retry.Backoff {
	var attempt int64
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return base * time.Duration(attempt), false
	})
	return retry.WithMaxRetries(uint64(maxAttempts), b)
}

// ShardStatus is a point-in-time view of one shard.
type ShardStatus struct {
	ID       int      `json:"id"`
	Symbols  []string `json:"symbols"`
	State    State    `json:"state"`
	Attempts int      `json:"attempts"`
	LastErr  string   `json:"lastError,omitempty"`
}

// shard owns one upstream connection for a contiguous block of symbols.
type shard struct {
	id      int
	symbols []string
	url     string
	m       *Manager

	mu       sync.Mutex
	state    State
	attempts int
	lastErr  error
}

func (s *shard) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *shard) status() ShardStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ShardStatus{
		ID:       s.id,
		Symbols:  append([]string(nil), s.symbols...),
		State:    s.state,
		Attempts: s.attempts,
	}
	if s.lastErr != nil {
		st.LastErr = s.lastErr.Error()
	}
	return st
}

func (s *shard) log() *logrus.Entry {
	return s.m.logger.WithFields(logrus.Fields{"shard": s.id, "symbols": len(s.symbols)})
}

// run connects and reconnects until ctx is cancelled or the reconnect
// budget is exhausted.
func (s *shard) run(ctx context.Context) {
	cfg := s.m.cfg
	backoff := linearBackoff(cfg.ReconnectDelay, cfg.MaxReconnectAttempts)

	for {
		s.setState(StateConnecting)
		openedAt, err := s.connect(ctx)
		s.setState(StateClosed)

		if ctx.Err() != nil {
			s.log().Info("Shard stopped")
			return
		}

		if !openedAt.IsZero() && time.Since(openedAt) >= cfg.StableAfter {
			backoff = linearBackoff(cfg.ReconnectDelay, cfg.MaxReconnectAttempts)
			s.mu.Lock()
			s.attempts = 0
			s.mu.Unlock()
		}

		delay, stop := backoff.Next()
		s.mu.Lock()
		s.lastErr = err
		if stop {
			s.state = StateFailed
			s.mu.Unlock()
			s.log().WithError(err).Errorf("Giving up after %d reconnect attempts", cfg.MaxReconnectAttempts)
			return
		}
		s.attempts++
		attempt := s.attempts
		s.state = StateReconnecting
		s.mu.Unlock()

		s.log().WithError(err).Warnf("Upstream disconnected, reconnecting in %v (%d/%d)",
			delay, attempt, cfg.MaxReconnectAttempts)

		select {
		case <-ctx.Done():
			s.setState(StateClosed)
			return
		case <-time.After(delay):
		}
	}
}

// connect manages a single connection lifecycle. It returns when the
// connection ends; openedAt is zero if it never opened.
func (s *shard) connect(ctx context.Context) (openedAt time.Time, err error) {
	if err := s.m.limiter.Wait(ctx); err != nil {
		return time.Time{}, err
	}

	if _, err := url.Parse(s.url); err != nil {
		return time.Time{}, fmt.Errorf("invalid stream URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	defer conn.Close()

	openedAt = time.Now()
	s.setState(StateOpen)
	s.log().Info("Connected to upstream")

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	conn.SetPingHandler(func(message string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(writeTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.log().WithError(err).Warn("Failed to send pong")
		}
		// any traffic, including pings, proves the connection is alive
		conn.SetReadDeadline(time.Now().Add(s.m.cfg.ReadTimeout))
		return nil
	})

	readErrors := make(chan error, 1)
	messages := make(chan []byte, 100)

	go func() {
		defer close(messages)
		for {
			conn.SetReadDeadline(time.Now().Add(s.m.cfg.ReadTimeout))
			_, message, err := conn.ReadMessage()
			if err != nil {
				readErrors <- err
				return
			}
			select {
			case messages <- message:
			case <-connCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return openedAt, nil

		case err := <-readErrors:
			return openedAt, fmt.Errorf("WebSocket read error: %w", err)

		case message, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return openedAt, nil
				}
				return openedAt, fmt.Errorf("WebSocket read error: %w", <-readErrors)
			}
			if err := s.m.handler.HandleFrame(connCtx, message); err != nil {
				s.m.rejected.Add(1)
				s.log().WithError(err).Debug("Dropped upstream frame")
			}
		}
	}
}
