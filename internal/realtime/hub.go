package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Conn is the subset of *websocket.Conn the hub writes to.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type subscriber struct {
	userID string
	conn   Conn
}

// Hub tracks the connections subscribed to each session on this instance.
type Hub struct {
	mu           sync.RWMutex
	active       map[string]map[*subscriber]struct{}
	writeTimeout time.Duration
}

var _ Broadcaster = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{
		active:       make(map[string]map[*subscriber]struct{}),
		writeTimeout: writeTimeout,
	}
}

// Register subscribes conn to a session. The returned func unregisters it.
func (h *Hub) Register(sessionID, userID string, conn Conn) func() {
	sub := &subscriber{userID: userID, conn: conn}

	h.mu.Lock()
	if _, ok := h.active[sessionID]; !ok {
		h.active[sessionID] = make(map[*subscriber]struct{})
	}
	h.active[sessionID][sub] = struct{}{}
	h.mu.Unlock()

	slog.Info("Realtime subscriber registered", "session_id", sessionID, "user_id", userID)
	return func() { h.unregister(sessionID, sub) }
}

func (h *Hub) unregister(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.active[sessionID]
	if !ok {
		return
	}
	if _, exists := subs[sub]; !exists {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.active, sessionID)
	}
	slog.Info("Realtime subscriber unregistered", "session_id", sessionID, "user_id", sub.userID)
}

// Count returns the number of local subscribers of a session.
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionID])
}

// Online returns the distinct users with a local connection to a session.
func (h *Hub) Online(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	var users []string
	for sub := range h.active[sessionID] {
		if _, ok := seen[sub.userID]; ok {
			continue
		}
		seen[sub.userID] = struct{}{}
		users = append(users, sub.userID)
	}
	return users
}

// Publish delivers ev to local subscribers.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	h.Deliver(ctx, ev.SessionID, payload)
	return nil
}

// Deliver writes an encoded event to every subscriber of the session in
// parallel. Each write is bounded by ctx and the hub's write timeout.
// Subscribers whose write fails are closed and dropped. A session_closed
// event disconnects everyone once it has been written.
func (h *Hub) Deliver(ctx context.Context, sessionID string, payload []byte) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.active[sessionID]))
	for sub := range h.active[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *subscriber) {
			defer wg.Done()
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			defer cancel()
			if err := sub.conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
				slog.Debug("Dropping realtime subscriber after write error",
					"session_id", sessionID, "user_id", sub.userID, "error", err)
				h.unregister(sessionID, sub)
				_ = sub.conn.Close(websocket.StatusGoingAway, "write failed")
			}
		}(sub)
	}
	wg.Wait()

	if isSessionClosed(payload) {
		h.CloseSession(sessionID)
	}
}

func isSessionClosed(payload []byte) bool {
	var head struct {
		Type EventType `json:"type"`
	}
	return json.Unmarshal(payload, &head) == nil && head.Type == EventSessionClosed
}

// CloseSession disconnects every subscriber of a session.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	subs := h.active[sessionID]
	delete(h.active, sessionID)
	h.mu.Unlock()

	for sub := range subs {
		_ = sub.conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}
