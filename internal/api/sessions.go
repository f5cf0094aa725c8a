package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/commonground/mediation/internal/domain"
	"github.com/commonground/mediation/internal/identity"
	"github.com/commonground/mediation/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// UserGetter loads cached user records.
type UserGetter interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

// Handler serves the session API.
type Handler struct {
	svc      *session.Service
	users    UserGetter
	validate *validator.Validate
}

// NewHandler creates a new Handler.
func NewHandler(svc *session.Service, users UserGetter) *Handler {
	return &Handler{svc: svc, users: users, validate: newValidator()}
}

// RegisterRoutes registers session routes. postLimit, when non-nil, wraps
// message posting.
func (h *Handler) RegisterRoutes(r chi.Router, postLimit func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Post("/join", h.Join)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Get("/", h.ListSessions)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Patch("/status", h.UpdateStatus)
				r.Patch("/stage", h.UpdateStage)

				r.Get("/messages", h.ListMessages)
				r.Group(func(r chi.Router) {
					if postLimit != nil {
						r.Use(postLimit)
					}
					r.Post("/messages", h.PostMessage)
				})

				r.Get("/participants", h.ListParticipants)
				r.Post("/presence", h.Presence)
				r.Post("/typing", h.Typing)

				r.Post("/invite", h.GenerateInvite)
				r.Get("/invite", h.GetInvite)
				r.Delete("/invite", h.RevokeInvite)
			})
		})
	})
}

type createSessionRequest struct {
	Topic         string  `json:"topic" validate:"required,max=500"`
	SessionMode   string  `json:"session_mode" validate:"omitempty,oneof=solo collaborative"`
	PartnershipID *string `json:"partnership_id" validate:"omitempty,max=128"`
	Personality   *struct {
		Tone string `json:"tone" validate:"omitempty,oneof=gentle balanced direct"`
	} `json:"personality"`
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active paused completed abandoned"`
}

type updateStageRequest struct {
	Stage string `json:"stage" validate:"required,max=64"`
}

type postMessageRequest struct {
	Content string `json:"content" validate:"required,max=5000"`
}

type typingRequest struct {
	Typing *bool `json:"typing" validate:"required"`
}

type joinRequest struct {
	Code        string `json:"code" validate:"required,max=32"`
	DisplayName string `json:"display_name" validate:"omitempty,max=100"`
}

func caller(r *http.Request) string {
	return identity.UserIDFromContext(r.Context())
}

// GetMe returns the current user's information.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := caller(r)
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.users.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, domain.Internal("failed to load user", err))
		return
	}
	if user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}
	JSON(w, http.StatusOK, user)
}

// CreateSession starts a new session owned by the caller.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	in := session.CreateInput{
		PartnershipID: req.PartnershipID,
		InitiatorID:   caller(r),
		InitiatorName: identity.DisplayNameFromContext(r.Context()),
		Topic:         req.Topic,
		Mode:          domain.SessionMode(req.SessionMode),
	}
	if req.Personality != nil {
		in.Personality.Tone = domain.Tone(req.Personality.Tone)
	}

	created, err := h.svc.CreateSession(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, created)
}

// ListSessions lists the caller's sessions with a short message preview.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessions, err := h.svc.ListSessions(r.Context(), caller(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession returns a session with its participants.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.GetSessionDetail(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, detail)
}

// UpdateStatus changes the session's lifecycle status.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := h.svc.UpdateStatus(r.Context(), chi.URLParam(r, "id"), caller(r), domain.Status(req.Status))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, updated)
}

// UpdateStage moves the session to a legal next stage.
func (h *Handler) UpdateStage(w http.ResponseWriter, r *http.Request) {
	var req updateStageRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := h.svc.UpdateStage(r.Context(), chi.URLParam(r, "id"), caller(r), domain.Stage(req.Stage))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, updated)
}

// PostMessage runs one conversation turn.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.svc.PostMessage(r.Context(), chi.URLParam(r, "id"), caller(r), req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, result)
}

// ListMessages returns the full log, or the newest N with ?recent=N.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var (
		msgs []*domain.Message
		err  error
	)
	if r.URL.Query().Has("recent") {
		var n int
		if n, err = queryInt(r, "recent"); err == nil {
			msgs, err = h.svc.RecentMessages(r.Context(), sessionID, caller(r), n)
		}
	} else {
		msgs, err = h.svc.ListMessages(r.Context(), sessionID, caller(r))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// ListParticipants returns the session's participants.
func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := h.svc.GetParticipants(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"participants": participants})
}

// Presence bumps the caller's last-seen time.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.UpdateLastSeen(r.Context(), chi.URLParam(r, "id"), caller(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Typing broadcasts a typing indicator.
func (h *Handler) Typing(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.Typing(r.Context(), chi.URLParam(r, "id"), caller(r), *req.Typing); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GenerateInvite issues a join code.
func (h *Handler) GenerateInvite(w http.ResponseWriter, r *http.Request) {
	invite, err := h.svc.GenerateInvite(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, invite)
}

// GetInvite reports the current invite state.
func (h *Handler) GetInvite(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.GetInviteStatus(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, status)
}

// RevokeInvite clears the join code.
func (h *Handler) RevokeInvite(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RevokeInvite(r.Context(), chi.URLParam(r, "id"), caller(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Join redeems an invite code.
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	name := req.DisplayName
	if name == "" {
		name = identity.DisplayNameFromContext(r.Context())
	}
	result, err := h.svc.JoinByCode(r.Context(), req.Code, caller(r), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.Validation("invalid "+key, map[string]string{key: "numeric"})
	}
	return n, nil
}
