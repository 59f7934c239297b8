// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package statusfeed broadcasts live worker-state transitions from an
// in-flight dispatch to connected operators over WebSocket, adapted
// from the teacher's pkg/streaming/websocket.go — read-only operational
// visibility into a dispatch, not part of the RPC wire protocol itself.
package statusfeed

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jontk/agentd/pkg/logging"
)

// Event is one worker-state transition pushed to every connected client.
type Event struct {
	RequestID string    `json:"request_id"`
	NodeName  string    `json:"node_name"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans Event values out to every currently connected WebSocket
// client, after the teacher's WebSocketServer shape: an upgrader, a
// per-connection read goroutine, and a per-client send channel that
// Publish fills directly.
type Hub struct {
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub returns an empty feed hub. CheckOrigin always allows, matching
// the teacher's own comment-flagged development posture — this is a
// debug surface, not a public API, so no non-goal here tightens it.
func NewHub(logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Publish broadcasts ev to every connected client, dropping it for any
// client whose send buffer is full rather than blocking the dispatch.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Warn("status feed client slow, dropping event", "node_name", ev.NodeName)
		}
	}
}

// HandleWebSocket upgrades the request and registers the connection as
// a feed subscriber until it disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("status feed upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan Event, 32)}
	h.register(c)
	defer h.unregister(c)

	go h.readPump(c)
	h.writePump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.conn.Close()
}

// readPump discards client messages but detects disconnection; this
// feed is publish-only.
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			c.conn.Close()
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// ClientCount reports how many subscribers are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
