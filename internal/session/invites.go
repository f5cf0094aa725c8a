package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/commonground/mediation/internal/domain"
	"github.com/commonground/mediation/internal/realtime"
	"github.com/commonground/mediation/internal/shared"
	"github.com/commonground/mediation/internal/store"
)

const (
	// codeAlphabet omits 0, O, 1, and I. Its length of 32 keeps the
	// byte-to-symbol mapping unbiased.
	codeAlphabet      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength        = 8
	maxCodeCollisions = 5
)

// Join results recorded in metrics.
const (
	joinOK       = "ok"
	joinNotFound = "not_found"
	joinConflict = "conflict"
	joinError    = "error"
)

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate invite code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)&(len(codeAlphabet)-1)]
	}
	return string(buf), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *Service) inviteURL(code string) string {
	return s.publicURL + "/join/" + code
}

// GenerateInvite issues a new join code, replacing any previous one.
func (s *Service) GenerateInvite(ctx context.Context, sessionID, userID string) (*domain.Invite, error) {
	session, err := s.requireInitiator(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusActive {
		return nil, domain.Conflict("session is not active")
	}
	participants, err := s.repo.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, domain.Internal("failed to load participants", err)
	}
	if len(participants) >= domain.MaxParticipants {
		return nil, domain.Conflict("session already has two participants")
	}

	now := s.now()
	expiresAt := now.Add(s.inviteTTL)
	for attempt := 1; ; attempt++ {
		code, err := generateCode()
		if err != nil {
			return nil, domain.Internal("failed to generate invite", err)
		}
		err = s.repo.SetInvite(ctx, sessionID, code, expiresAt, now)
		if err == nil {
			s.logger.Info("invite generated", "session_id", sessionID, "expires_at", expiresAt)
			return &domain.Invite{Code: code, URL: s.inviteURL(code), ExpiresAt: expiresAt}, nil
		}
		if !shared.IsSQLiteUniqueError(err) || attempt >= maxCodeCollisions {
			return nil, domain.Internal("failed to store invite", err)
		}
		s.logger.Debug("invite code collision, retrying", "attempt", attempt)
	}
}

// GetInviteStatus reports the current invite. An expired code is reported
// as absent.
func (s *Service) GetInviteStatus(ctx context.Context, sessionID, userID string) (*domain.InviteStatus, error) {
	session, err := s.authorize(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	status := s.inviteStatus(session)
	return &status, nil
}

func (s *Service) inviteStatus(session *domain.Session) domain.InviteStatus {
	if session.InviteCode == nil || session.InviteExpiresAt == nil {
		return domain.InviteStatus{}
	}
	code, ok := session.ActiveInvite(s.now())
	if !ok {
		return domain.InviteStatus{IsExpired: true}
	}
	url := s.inviteURL(code)
	expiresAt := *session.InviteExpiresAt
	return domain.InviteStatus{
		HasInvite: true,
		Code:      &code,
		URL:       &url,
		ExpiresAt: &expiresAt,
	}
}

// RevokeInvite clears the invite code.
func (s *Service) RevokeInvite(ctx context.Context, sessionID, userID string) error {
	if _, err := s.requireInitiator(ctx, sessionID, userID); err != nil {
		return err
	}
	if err := s.repo.ClearInvite(ctx, sessionID, s.now()); err != nil {
		return domain.Internal("failed to revoke invite", err)
	}
	s.logger.Info("invite revoked", "session_id", sessionID)
	return nil
}

// JoinByCode redeems an invite code, registering userID as the partner.
// The code is consumed in the same transaction.
func (s *Service) JoinByCode(ctx context.Context, code, userID, displayName string) (*domain.JoinResult, error) {
	result, err := s.joinByCode(ctx, code, userID, displayName)
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		s.metrics.InviteJoin(joinNotFound)
	case domain.KindConflict, domain.KindValidation:
		s.metrics.InviteJoin(joinConflict)
	default:
		if err != nil {
			s.metrics.InviteJoin(joinError)
		} else {
			s.metrics.InviteJoin(joinOK)
		}
	}
	return result, err
}

func (s *Service) joinByCode(ctx context.Context, code, userID, displayName string) (*domain.JoinResult, error) {
	if userID == "" {
		return nil, domain.Unauthorized("authentication required")
	}
	code = normalizeCode(code)
	if code == "" {
		return nil, domain.Validation("code is required", map[string]string{"code": "required"})
	}

	lookup, err := s.repo.FindSessionByCode(ctx, code)
	if err != nil {
		return nil, domain.Internal("failed to look up invite", err)
	}
	if lookup == nil {
		return nil, domain.NotFound("invite code not found")
	}
	session := lookup.Session

	if session.IsInitiator(userID) {
		return nil, domain.Conflict("you cannot join your own session")
	}
	member, err := s.IsParticipant(ctx, session.ID, userID)
	if err != nil {
		return nil, err
	}
	if member {
		return nil, domain.Conflict("you are already a participant in this session")
	}
	if lookup.Redeemed {
		return nil, domain.Conflict("invite code has already been used")
	}
	now := s.now()
	if _, ok := session.ActiveInvite(now); !ok {
		return nil, domain.Conflict("invite code has expired")
	}
	if session.Status != domain.StatusActive {
		return nil, domain.Conflict("session is not active")
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = "Your partner"
	}
	notice := &domain.Message{
		ID:        s.newID(),
		SessionID: session.ID,
		Role:      domain.RoleSystem,
		Content:   displayName + " joined the session",
		Stage:     session.Stage,
		CreatedAt: now,
	}
	participant := &domain.Participant{
		SessionID:   session.ID,
		UserID:      userID,
		Slot:        domain.SlotPartner,
		DisplayName: displayName,
		JoinedAt:    now,
		LastSeenAt:  now,
	}

	err = s.repo.JoinSession(ctx, store.Join{
		SessionID:   session.ID,
		Code:        code,
		Participant: participant,
		Notice:      notice,
		Now:         now,
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrSessionFull):
		return nil, domain.Conflict("session is full")
	case errors.Is(err, store.ErrAlreadyParticipant):
		return nil, domain.Conflict("you are already a participant in this session")
	case errors.Is(err, store.ErrInviteConsumed):
		return nil, domain.Conflict("invite code is no longer valid")
	default:
		return nil, domain.Internal("failed to join session", err)
	}

	s.logger.Info("partner joined session", "session_id", session.ID, "user_id", userID)
	s.record(notice, "participant_joined")
	s.publish(ctx, realtime.Event{
		Type:      realtime.EventParticipantJoined,
		SessionID: session.ID,
		UserID:    userID,
		Data:      participant,
		At:        now,
	})
	s.publishMessage(ctx, notice)
	return &domain.JoinResult{SessionID: session.ID}, nil
}
