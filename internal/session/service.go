// Package session implements the mediation session lifecycle: creation,
// membership, invites, and the stage-advancing conversation turn.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/commonground/mediation/internal/domain"
	"github.com/commonground/mediation/internal/mediation"
	"github.com/commonground/mediation/internal/metrics"
	"github.com/commonground/mediation/internal/realtime"
	"github.com/commonground/mediation/internal/store"
	"github.com/commonground/mediation/internal/transcript"
	"github.com/google/uuid"
)

const (
	defaultInviteTTL = 24 * time.Hour
	publishTimeout   = 2 * time.Second
)

// Options carries optional collaborators. Zero values are replaced with
// working defaults.
type Options struct {
	PublicURL   string
	InviteTTL   time.Duration
	Broadcaster realtime.Broadcaster
	Transcript  transcript.Logger
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
	NewID       func() string
}

// Service coordinates the store, the mediator, and realtime notifications.
type Service struct {
	repo       store.Repository
	mediator   mediation.Responder
	publicURL  string
	inviteTTL  time.Duration
	broadcast  realtime.Broadcaster
	transcript transcript.Logger
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// New creates a session service.
func New(repo store.Repository, mediator mediation.Responder, opts Options) *Service {
	s := &Service{
		repo:       repo,
		mediator:   mediator,
		publicURL:  opts.PublicURL,
		inviteTTL:  opts.InviteTTL,
		broadcast:  opts.Broadcaster,
		transcript: opts.Transcript,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        opts.Now,
		newID:      opts.NewID,
	}
	if s.inviteTTL <= 0 {
		s.inviteTTL = defaultInviteTTL
	}
	if s.transcript == nil {
		s.transcript = transcript.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// publish sends a realtime event. Failures are logged and never returned.
func (s *Service) publish(ctx context.Context, ev realtime.Event) {
	if s.broadcast == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.broadcast.Publish(ctx, ev); err != nil {
		s.logger.Warn("realtime publish failed",
			"error", err, "session_id", ev.SessionID, "event", ev.Type)
	}
}

func (s *Service) publishMessage(ctx context.Context, msg *domain.Message) {
	ev := realtime.Event{Type: realtime.EventMessage, SessionID: msg.SessionID, Data: msg, At: msg.CreatedAt}
	if msg.UserID != nil {
		ev.UserID = *msg.UserID
	}
	s.publish(ctx, ev)
}

// publishStatus announces a status change. A terminal status is sent as
// session_closed so realtime subscribers are disconnected.
func (s *Service) publishStatus(ctx context.Context, sessionID string, from, to domain.Status, at time.Time) {
	ev := realtime.Event{
		Type:      realtime.EventStatus,
		SessionID: sessionID,
		Data:      realtime.StatusChange{From: string(from), To: string(to)},
		At:        at,
	}
	if to.Terminal() {
		ev.Type = realtime.EventSessionClosed
	}
	s.publish(ctx, ev)
}

func (s *Service) record(msg *domain.Message, eventType string) {
	ev := transcript.Event{
		At:        msg.CreatedAt,
		EventType: eventType,
		SessionID: msg.SessionID,
		MessageID: msg.ID,
		Seq:       msg.Seq,
		Role:      string(msg.Role),
		Stage:     string(msg.Stage),
		Content:   msg.Content,
	}
	if msg.UserID != nil {
		ev.UserID = *msg.UserID
	}
	s.transcript.Log(ev)
	s.metrics.MessageAppended(string(msg.Role))
}

// loadSession fetches a session or returns NotFound.
func (s *Service) loadSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, domain.Internal("failed to load session", err)
	}
	if session == nil {
		return nil, domain.NotFound("session not found")
	}
	return session, nil
}

// authorize loads a session and checks that userID may access it.
func (s *Service) authorize(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	if userID == "" {
		return nil, domain.Unauthorized("authentication required")
	}
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ok, err := s.CanAccess(ctx, session, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.Forbidden("you are not a participant in this session")
	}
	return session, nil
}

// requireInitiator loads a session and checks that userID started it.
func (s *Service) requireInitiator(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	session, err := s.authorize(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if !session.IsInitiator(userID) {
		return nil, domain.Forbidden("only the session initiator can do this")
	}
	return session, nil
}
