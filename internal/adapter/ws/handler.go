// Package ws streams workflow lifecycle events to connected clients. Every
// client receives all events by default; a subscribe message narrows the feed
// to a single request.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Message is the envelope for all WebSocket messages. RequestID identifies
// the workflow instance the event concerns; it is empty for service-wide
// events, which reach every client regardless of filter.
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// clientCommand is the only thing clients send: a subscription filter.
type clientCommand struct {
	Type      string `json:"type"` // "subscribe" or "unsubscribe"
	RequestID string `json:"request_id"`
}

// conn wraps a single WebSocket connection and its subscription filter.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc

	mu     sync.Mutex
	filter string // request ID; empty means all events
}

func (c *conn) setFilter(requestID string) {
	c.mu.Lock()
	c.filter = requestID
	c.mu.Unlock()
}

// wants reports whether the connection's filter admits an event for the
// given request.
func (c *conn) wants(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter == "" || requestID == "" || c.filter == requestID
}

// Hub manages active WebSocket connections and fans workflow events out to
// them.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[*conn]struct{}),
	}
}

// HandleWS upgrades the connection and serves it until the client leaves.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr)

	go h.serve(ctx, c)
}

// serve consumes client messages, applying subscription commands, until the
// connection drops. Anything that is not a valid command is ignored so plain
// pings keep working.
func (h *Hub) serve(ctx context.Context, c *conn) {
	defer func() {
		h.remove(c)
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		switch cmd.Type {
		case "subscribe":
			c.setFilter(cmd.RequestID)
		case "unsubscribe":
			c.setFilter("")
		}
	}
}

// Broadcast sends a message to every connection whose filter admits it.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if !c.wants(msg.RequestID) {
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("websocket write failed", "error", err)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected")
	}
}
