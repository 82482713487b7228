// Package monitor exposes a websocket feed of live transcript events for
// operators watching a channel.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/discord-voice-bridge/internal/logging"
)

// Hub fans transcript events out to connected websocket clients. Slow
// clients are dropped rather than allowed to stall the pipeline.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Broadcast sends the event to every connected client. Never blocks.
func (h *Hub) Broadcast(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Warnw("monitor event marshal failed", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			delete(h.clients, c)
			close(c.send)
			logging.Warnw("dropping slow monitor client", "remote", c.conn.RemoteAddr().String())
		}
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("monitor upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	logging.Infow("monitor client connected", "remote", conn.RemoteAddr().String())

	go c.writeLoop()
	go c.readLoop(h)
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// readLoop discards inbound frames; its job is detecting disconnects.
func (c *client) readLoop(h *Hub) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
