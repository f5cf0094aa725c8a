package session

import (
	"context"

	"github.com/commonground/mediation/internal/domain"
	"github.com/commonground/mediation/internal/realtime"
	"github.com/samber/lo"
)

// GetParticipants returns the session's participants in join order.
func (s *Service) GetParticipants(ctx context.Context, sessionID, userID string) ([]*domain.Participant, error) {
	if _, err := s.authorize(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	participants, err := s.repo.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, domain.Internal("failed to load participants", err)
	}
	return participants, nil
}

// IsParticipant reports whether userID is registered in the session.
func (s *Service) IsParticipant(ctx context.Context, sessionID, userID string) (bool, error) {
	p, err := s.repo.GetParticipant(ctx, sessionID, userID)
	if err != nil {
		return false, domain.Internal("failed to load participant", err)
	}
	return p != nil, nil
}

// CanAccess reports whether userID may read and write the session: the
// initiator or a registered participant.
func (s *Service) CanAccess(ctx context.Context, session *domain.Session, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if session.IsInitiator(userID) {
		return true, nil
	}
	return s.IsParticipant(ctx, session.ID, userID)
}

// AuthorizeSession returns nil when userID may access the session.
func (s *Service) AuthorizeSession(ctx context.Context, sessionID, userID string) error {
	_, err := s.authorize(ctx, sessionID, userID)
	return err
}

// UpdateLastSeen bumps the caller's presence timestamp and announces it.
func (s *Service) UpdateLastSeen(ctx context.Context, sessionID, userID string) error {
	now := s.now()
	ok, err := s.repo.TouchParticipant(ctx, sessionID, userID, now)
	if err != nil {
		return domain.Internal("failed to update presence", err)
	}
	if !ok {
		if _, err := s.authorize(ctx, sessionID, userID); err != nil {
			return err
		}
		return domain.Forbidden("you are not a participant in this session")
	}
	s.publish(ctx, realtime.Event{
		Type:      realtime.EventPresence,
		SessionID: sessionID,
		UserID:    userID,
		Data:      map[string]any{"last_seen_at": now},
		At:        now,
	})
	return nil
}

// Typing broadcasts a typing indicator to the other participants.
func (s *Service) Typing(ctx context.Context, sessionID, userID string, typing bool) error {
	if _, err := s.authorize(ctx, sessionID, userID); err != nil {
		return err
	}
	s.publish(ctx, realtime.Event{
		Type:      lo.Ternary(typing, realtime.EventTypingStart, realtime.EventTypingStop),
		SessionID: sessionID,
		UserID:    userID,
	})
	return nil
}
