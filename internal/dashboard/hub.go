package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxClients    = 50
	writeDeadline = 5 * time.Second
)

// message is the wire format: a type tag plus payload.
type message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Hub tracks connected dashboard clients and fans messages out to all of
// them. It implements the broadcaster's Transport.
type Hub struct {
	snapshot func() interface{}
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewHub creates a hub. snapshot produces the fullState payload sent to each
// client on connect.
func NewHub(snapshot func() interface{}, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		snapshot: snapshot,
		logger:   logger,
		clients:  make(map[*websocket.Conn]bool),
	}
}

// Register adds a connection and sends it the full state. The connection is
// rejected when the client cap is reached.
func (h *Hub) Register(conn *websocket.Conn) bool {
	h.mu.Lock()
	if len(h.clients) >= maxClients {
		h.mu.Unlock()
		conn.Close()
		h.logger.Warnw("dashboard connection rejected, client cap reached", "cap", maxClients)
		return false
	}
	h.clients[conn] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debugw("dashboard client connected", "total", total)

	full := message{Type: "fullState", Payload: h.snapshot()}
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(full); err != nil {
		h.logger.Warnw("fullState send failed", "error", err)
		h.Unregister(conn)
		return false
	}
	return true
}

// Unregister drops a connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debugw("dashboard client disconnected", "total", total)
}

// Broadcast sends one typed message to every client. A client whose write
// fails is dropped; other clients are unaffected.
func (h *Hub) Broadcast(messageType string, payload interface{}) error {
	raw, err := json.Marshal(message{Type: messageType, Payload: payload})
	if err != nil {
		return err
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			h.logger.Warnw("dashboard write failed, dropping client", "error", err)
			h.Unregister(conn)
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}
