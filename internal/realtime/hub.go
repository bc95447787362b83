// Package realtime pushes consultation events to connected participants over WebSocket.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

// Identify resolves the authenticated user of an upgrade request.
type Identify func(r *http.Request) (uuid.UUID, bool)

// Message is what clients receive.
type Message struct {
	Type    string    `json:"type"` // "ready", "event", "pong"
	Event   string    `json:"event,omitempty"`
	Payload any       `json:"payload,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

type inbound struct {
	Type string `json:"type"`
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(msg Message, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	return websocket.JSON.Send(c.ws, msg)
}

// Hub tracks open connections per user. A user may hold several tabs.
type Hub struct {
	identify     Identify
	writeTimeout time.Duration
	logger       *logging.Logger

	mu    sync.RWMutex
	conns map[uuid.UUID]map[*conn]struct{}
}

func NewHub(identify Identify, logger *logging.Logger) *Hub {
	if identify == nil {
		panic("realtime: identify required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		identify:     identify,
		writeTimeout: 5 * time.Second,
		logger:       logger,
		conns:        make(map[uuid.UUID]map[*conn]struct{}),
	}
}

// HandleWebSocket upgrades an authenticated request and keeps the connection registered
// until the client goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	websocket.Handler(func(ws *websocket.Conn) {
		h.serve(ws, userID)
	}).ServeHTTP(w, r)
}

func (h *Hub) serve(ws *websocket.Conn, userID uuid.UUID) {
	c := &conn{ws: ws}
	h.register(userID, c)
	defer h.unregister(userID, c)

	if err := c.send(Message{Type: "ready", SentAt: time.Now().UTC()}, h.writeTimeout); err != nil {
		return
	}
	h.logger.Debug("realtime connection opened", "user_id", userID)

	for {
		var msg inbound
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			h.logger.Debug("realtime connection closed", "user_id", userID, "error", err)
			return
		}
		if msg.Type == "ping" {
			_ = c.send(Message{Type: "pong", SentAt: time.Now().UTC()}, h.writeTimeout)
		}
	}
}

func (h *Hub) register(userID uuid.UUID, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[userID]
	if !ok {
		set = make(map[*conn]struct{})
		h.conns[userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(userID uuid.UUID, c *conn) {
	h.mu.Lock()
	set := h.conns[userID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, userID)
	}
	h.mu.Unlock()
	_ = c.ws.Close()
}

// Connections returns how many sockets userID has open.
func (h *Hub) Connections(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// NotifyUser sends event to every open connection of userID. Offline users are skipped.
func (h *Hub) NotifyUser(ctx context.Context, userID uuid.UUID, event string, payload any) error {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	msg := Message{Type: "event", Event: event, Payload: payload, SentAt: time.Now().UTC()}
	var errs []error
	for _, c := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.send(msg, h.writeTimeout); err != nil {
			errs = append(errs, err)
			h.unregister(userID, c)
		}
	}
	return errors.Join(errs...)
}
