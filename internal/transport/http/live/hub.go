package livehttp

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"autotrader/internal/logger"
	"autotrader/internal/notify"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Hub streams pipeline events to websocket clients. It is a notify.Sink;
// new clients first receive the replay ring, then live events. A client that
// cannot keep up loses messages instead of slowing the dispatcher.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	ring    [][]byte
	next    int
	filled  bool

	dropped atomic.Int64
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

var _ notify.Sink = (*Hub)(nil)

func NewHub(replay int) *Hub {
	if replay <= 0 {
		replay = 50
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
		ring:    make([][]byte, replay),
	}
}

func (h *Hub) Publish(e notify.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		logger.Warnf("[ws] encode event %s: %v", e.Kind, err)
		return
	}
	h.mu.Lock()
	h.ring[h.next] = data
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.filled = true
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
	h.mu.Unlock()
}

// replayLocked returns the ring oldest first. Caller holds h.mu.
func (h *Hub) replayLocked() [][]byte {
	var out [][]byte
	if h.filled {
		out = append(out, h.ring[h.next:]...)
	}
	out = append(out, h.ring[:h.next]...)
	return out
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugf("[ws] upgrade failed: %v", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer), hub: h}
	h.mu.Lock()
	for _, msg := range h.replayLocked() {
		select {
		case c.send <- msg:
		default:
		}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	go c.writePump()
	go c.readPump()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump only services control frames; clients do not send commands.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
