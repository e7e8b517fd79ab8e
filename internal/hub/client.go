package hub

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// WebSocket timeouts
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 64 * 1024
)

// Client is one downstream connection and its interest set.
type Client struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter

	subMu sync.RWMutex
	subs  map[string]struct{}

	sendMu  sync.Mutex
	send    chan []byte
	closed  bool
	dropped atomic.Int64
}

func newClient(id string, conn *websocket.Conn, cfg Config) *Client {
	return &Client{
		id:      id,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestBurst),
		subs:    make(map[string]struct{}),
		send:    make(chan []byte, cfg.SendQueue),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Dropped returns how many queued frames were discarded for a slow reader.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// add subscribes to symbols and returns the ones not already present.
func (c *Client) add(symbols []string) []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	var added []string
	for _, s := range symbols {
		if _, ok := c.subs[s]; ok {
			continue
		}
		c.subs[s] = struct{}{}
		added = append(added, s)
	}
	return added
}

func (c *Client) remove(symbols []string) {
	c.subMu.Lock()
	for _, s := range symbols {
		delete(c.subs, s)
	}
	c.subMu.Unlock()
}

func (c *Client) subscribed(symbol string) bool {
	c.subMu.RLock()
	_, ok := c.subs[symbol]
	c.subMu.RUnlock()
	return ok
}

// Symbols returns the interest set, sorted.
func (c *Client) Symbols() []string {
	c.subMu.RLock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	c.subMu.RUnlock()
	sort.Strings(out)
	return out
}

// enqueue queues frame for the writer. A full queue discards its oldest
// frame so the newest state always gets through.
func (c *Client) enqueue(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
	}

	select {
	case <-c.send:
		c.dropped.Add(1)
	default:
	}
	select {
	case c.send <- frame:
	default:
		c.dropped.Add(1)
	}
	return true
}

// closeSend stops the writer after it drains what is queued.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump owns every write to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
