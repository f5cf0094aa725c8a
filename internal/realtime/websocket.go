package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/commonground/mediation/internal/domain"
	"github.com/commonground/mediation/internal/identity"
	"github.com/go-chi/chi/v5"
)

const maxClientFrame = 4096

// Gate is the session access and presence surface the socket needs.
type Gate interface {
	AuthorizeSession(ctx context.Context, sessionID, userID string) error
	UpdateLastSeen(ctx context.Context, sessionID, userID string) error
	Typing(ctx context.Context, sessionID, userID string, typing bool) error
}

// WebSocketHandler subscribes an authenticated participant to a session's events.
type WebSocketHandler struct {
	gate          Gate
	hub           *Hub
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(gate Gate, hub *Hub, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		gate:          gate,
		hub:           hub,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsMessage is a client frame.
type wsMessage struct {
	Type string `json:"type"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	if err := h.gate.AuthorizeSession(r.Context(), sessionID, userID); err != nil {
		kind := domain.KindOf(err)
		if kind == domain.KindInternal {
			slog.Error("WebSocket authorization failed", "error", err, "session_id", sessionID)
		}
		http.Error(w, kind.String(), kind.HTTPStatus())
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(maxClientFrame)

	unregister := h.hub.Register(sessionID, userID, ws)
	defer unregister()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.touch(sessionID, userID)
	if err := writeJSON(ctx, ws, map[string]any{
		"type":       "connected",
		"session_id": sessionID,
		"online":     h.hub.Online(sessionID),
	}); err != nil {
		slog.Debug("Failed to send connected frame", "error", err)
		return
	}

	h.readLoop(ctx, ws, sessionID, userID)

	// Leaving mid-sentence should not leave a stale typing indicator.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := h.gate.Typing(stopCtx, sessionID, userID, false); err != nil {
		slog.Debug("Failed to clear typing on disconnect", "error", err)
	}
	slog.Info("Realtime session ended", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID, userID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("Ignoring malformed frame", "user_id", userID, "error", err)
			continue
		}

		switch EventType(msg.Type) {
		case EventTypingStart, EventTypingStop:
			if err := h.gate.Typing(ctx, sessionID, userID, EventType(msg.Type) == EventTypingStart); err != nil {
				slog.Warn("Failed to relay typing", "error", err, "user_id", userID)
			}
		default:
			if msg.Type == "ping" {
				if err := writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
					slog.Debug("Failed to send pong", "error", err)
				}
			}
		}

		h.touch(sessionID, userID)
	}
}

// touch updates last seen asynchronously with timeout.
func (h *WebSocketHandler) touch(sessionID, userID string) {
	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.gate.UpdateLastSeen(updateCtx, sessionID, userID); err != nil {
			slog.Warn("Failed to update last seen", "error", err, "session_id", sessionID)
		}
	}()
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
