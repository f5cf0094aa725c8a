package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/commonground/mediation/internal/domain"
	"github.com/commonground/mediation/internal/realtime"
	"github.com/commonground/mediation/internal/store"
	"github.com/samber/lo"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	previewSize      = 3
)

// CreateInput describes a new session.
type CreateInput struct {
	PartnershipID *string
	InitiatorID   string
	InitiatorName string
	Topic         string
	Mode          domain.SessionMode
	Personality   domain.Personality
}

// Detail is a session with its participants and invite state.
type Detail struct {
	*domain.Session
	Participants []*domain.Participant `json:"participants"`
	Invite       *domain.InviteStatus  `json:"invite,omitempty"`
}

// Summary is a list entry with the newest messages, newest first.
type Summary struct {
	*domain.Session
	Preview []*domain.Message `json:"preview"`
}

// CreateSession starts a session in the first stage and registers the
// initiator as participant 1.
func (s *Service) CreateSession(ctx context.Context, in CreateInput) (*domain.Session, error) {
	if in.InitiatorID == "" {
		return nil, domain.Unauthorized("authentication required")
	}

	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		return nil, domain.Validation("topic is required", map[string]string{"topic": "required"})
	}
	if utf8.RuneCountInString(topic) > domain.MaxTopicLength {
		return nil, domain.Validation(
			fmt.Sprintf("topic must be at most %d characters", domain.MaxTopicLength),
			map[string]string{"topic": "max"})
	}

	mode := in.Mode
	switch mode {
	case "":
		mode = domain.ModeSolo
	case domain.ModeSolo, domain.ModeCollaborative:
	default:
		return nil, domain.Validation(fmt.Sprintf("unknown session mode %q", mode), map[string]string{"session_mode": "oneof"})
	}

	tone := in.Personality.Tone
	switch tone {
	case "":
		tone = domain.ToneBalanced
	case domain.ToneGentle, domain.ToneBalanced, domain.ToneDirect:
	default:
		return nil, domain.Validation(fmt.Sprintf("unknown tone %q", tone), map[string]string{"tone": "oneof"})
	}

	now := s.now()
	session := &domain.Session{
		ID:            s.newID(),
		PartnershipID: in.PartnershipID,
		InitiatorID:   in.InitiatorID,
		Topic:         topic,
		Stage:         domain.FirstStage,
		Status:        domain.StatusActive,
		Mode:          mode,
		Personality:   domain.Personality{Tone: tone},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	initiator := &domain.Participant{
		SessionID:   session.ID,
		UserID:      in.InitiatorID,
		Slot:        domain.SlotInitiator,
		DisplayName: in.InitiatorName,
		JoinedAt:    now,
		LastSeenAt:  now,
	}

	if err := s.repo.CreateSession(ctx, session, initiator); err != nil {
		return nil, domain.Internal("failed to create session", err)
	}

	s.metrics.SessionCreated(string(mode))
	s.logger.Info("session created", "session_id", session.ID, "user_id", in.InitiatorID, "mode", mode)
	return session, nil
}

// GetSession returns a session the caller may access.
func (s *Service) GetSession(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	return s.authorize(ctx, sessionID, userID)
}

// GetSessionDetail returns a session with participants. Invite state is
// included for the initiator only.
func (s *Service) GetSessionDetail(ctx context.Context, sessionID, userID string) (*Detail, error) {
	session, err := s.authorize(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	participants, err := s.repo.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, domain.Internal("failed to load participants", err)
	}
	detail := &Detail{Session: session, Participants: participants}
	if session.IsInitiator(userID) {
		status := s.inviteStatus(session)
		detail.Invite = &status
	}
	return detail, nil
}

// ListSessions lists the caller's sessions, most recently updated first.
func (s *Service) ListSessions(ctx context.Context, userID string, limit int) ([]*Summary, error) {
	if userID == "" {
		return nil, domain.Unauthorized("authentication required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = lo.Clamp(limit, 1, maxListLimit)

	sessions, err := s.repo.ListSessionsForUser(ctx, userID, limit)
	if err != nil {
		return nil, domain.Internal("failed to list sessions", err)
	}

	out := make([]*Summary, 0, len(sessions))
	for _, session := range sessions {
		preview, err := s.repo.RecentMessages(ctx, session.ID, previewSize)
		if err != nil {
			return nil, domain.Internal("failed to load message preview", err)
		}
		if preview == nil {
			preview = []*domain.Message{}
		}
		out = append(out, &Summary{Session: session, Preview: preview})
	}
	return out, nil
}

// UpdateStage moves a session to stage. Only legal transitions for the
// session's mode are accepted; the write is a compare-and-swap on the
// current stage.
func (s *Service) UpdateStage(ctx context.Context, sessionID, userID string, stage domain.Stage) (*domain.Session, error) {
	session, err := s.authorize(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusActive {
		return nil, domain.Conflict("session is not active")
	}
	if err := domain.Transition(session.Mode, session.Stage, stage); err != nil {
		return nil, err
	}
	if session.Stage == stage {
		return session, nil
	}

	now := s.now()
	if err := s.repo.UpdateStage(ctx, sessionID, session.Stage, stage, now); err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			return nil, domain.Conflict("session advanced concurrently")
		}
		return nil, domain.Internal("failed to update stage", err)
	}

	from := session.Stage
	session.Stage = stage
	session.UpdatedAt = now
	s.metrics.StageTransition(string(from), string(stage))
	s.publish(ctx, realtime.Event{
		Type:      realtime.EventStage,
		SessionID: sessionID,
		UserID:    userID,
		Data:      realtime.StageChange{From: string(from), To: string(stage)},
	})
	return session, nil
}

// UpdateStatus changes the lifecycle status. Only the initiator may do it.
func (s *Service) UpdateStatus(ctx context.Context, sessionID, userID string, status domain.Status) (*domain.Session, error) {
	session, err := s.requireInitiator(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if err := domain.StatusTransition(session.Status, status); err != nil {
		return nil, err
	}
	if session.Status == status {
		return session, nil
	}

	now := s.now()
	if err := s.repo.UpdateStatus(ctx, sessionID, session.Status, status, now); err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			return nil, domain.Conflict("session status changed concurrently")
		}
		return nil, domain.Internal("failed to update status", err)
	}
	previous := session.Status
	session.Status = status
	session.UpdatedAt = now
	s.logger.Info("session status changed", "session_id", sessionID, "from", previous, "to", status)

	notice, err := s.AppendMessage(ctx, AppendInput{
		SessionID: sessionID,
		Role:      domain.RoleSystem,
		Content:   statusNotice(status),
		Stage:     session.Stage,
	})
	if err != nil {
		// The status change itself is committed.
		s.logger.Warn("failed to append status notice", "error", err, "session_id", sessionID)
	} else {
		session.UpdatedAt = notice.CreatedAt
	}
	s.publishStatus(ctx, sessionID, previous, status, session.UpdatedAt)
	return session, nil
}

func statusNotice(status domain.Status) string {
	switch status {
	case domain.StatusPaused:
		return "The session was paused."
	case domain.StatusActive:
		return "The session was resumed."
	case domain.StatusCompleted:
		return "The session was marked complete."
	default:
		return "The session was closed."
	}
}
