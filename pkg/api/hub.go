package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub pacing. Pings for one job are coalesced so a busy worker cannot flood
// clients; data never streams over the socket, clients re-poll the summary
// endpoint on a ping.
const (
	jobPingInterval = 2 * time.Second
	hubWriteTimeout = 5 * time.Second
)

// jobUpdatedMessage is the only frame the hub sends.
type jobUpdatedMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// Hub is the WebSocket refresh-trigger hub behind /api/jobs/events. It
// implements queue.Notifier.
type Hub struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*websocket.Conn]bool
	lastPing map[string]time.Time
	pending  map[string]bool
}

// NewHub creates an empty refresh hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The hub carries no data, only refresh pings; cross-origin
			// dashboards may subscribe.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]bool),
		lastPing: make(map[string]time.Time),
		pending:  make(map[string]bool),
	}
}

// JobUpdated queues a coalesced refresh ping for a job. Safe from any
// goroutine; never blocks on client writes longer than the write timeout.
func (h *Hub) JobUpdated(jobID string) {
	h.mu.Lock()
	last, seen := h.lastPing[jobID]
	elapsed := time.Since(last)
	if !seen || elapsed >= jobPingInterval {
		h.lastPing[jobID] = time.Now()
		h.mu.Unlock()
		h.broadcast(jobID)
		return
	}
	if h.pending[jobID] {
		h.mu.Unlock()
		return
	}
	h.pending[jobID] = true
	h.mu.Unlock()

	time.AfterFunc(jobPingInterval-elapsed, func() {
		h.mu.Lock()
		delete(h.pending, jobID)
		h.lastPing[jobID] = time.Now()
		h.mu.Unlock()
		h.broadcast(jobID)
	})
}

// broadcast fans one ping out to every client, dropping dead connections.
func (h *Hub) broadcast(jobID string) {
	msg := jobUpdatedMessage{Type: "job.updated", JobID: jobID}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			slog.Warn("Dropping websocket client", "error", err)
			h.remove(conn)
		}
	}
}

// Serve upgrades one connection and keeps it registered until it closes.
// Incoming frames are drained and discarded; the socket is one-way.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.mu.Unlock()
	slog.Info("Websocket client connected", "clients", count)

	go func() {
		defer h.remove(conn)
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	_ = conn.Close()
}

// ClientCount reports connected clients, used by the health payload.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
