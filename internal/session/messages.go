package session

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/commonground/mediation/internal/domain"
	"github.com/samber/lo"
)

// Recent window bounds.
const (
	DefaultRecentLimit = 5
	MaxRecentLimit     = 50
)

// AppendInput describes a message written outside of a turn.
type AppendInput struct {
	SessionID string
	UserID    *string
	Role      domain.Role
	Content   string
	Stage     domain.Stage
}

// AppendMessage appends one message to the log.
func (s *Service) AppendMessage(ctx context.Context, in AppendInput) (*domain.Message, error) {
	if _, err := domain.ParseRole(string(in.Role)); err != nil {
		return nil, err
	}
	if !in.Stage.Valid() {
		return nil, domain.Validation(fmt.Sprintf("unknown stage %q", in.Stage), map[string]string{"stage": "oneof"})
	}
	content, err := validateContent(in.Content)
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:        s.newID(),
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Role:      in.Role,
		Content:   content,
		Stage:     in.Stage,
		CreatedAt: s.now(),
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		return nil, domain.Internal("failed to append message", err)
	}

	s.record(msg, string(msg.Role)+"_message")
	s.publishMessage(ctx, msg)
	return msg, nil
}

// ListMessages returns the full log, oldest first.
func (s *Service) ListMessages(ctx context.Context, sessionID, userID string) ([]*domain.Message, error) {
	if _, err := s.authorize(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, domain.Internal("failed to load messages", err)
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	return msgs, nil
}

// RecentMessages returns up to limit messages, newest first. A non-positive
// limit selects the default window.
func (s *Service) RecentMessages(ctx context.Context, sessionID, userID string, limit int) ([]*domain.Message, error) {
	if _, err := s.authorize(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	limit = lo.Clamp(limit, 1, MaxRecentLimit)

	msgs, err := s.repo.RecentMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, domain.Internal("failed to load messages", err)
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	return msgs, nil
}

func validateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", domain.Validation("content is required", map[string]string{"content": "required"})
	}
	if utf8.RuneCountInString(content) > domain.MaxMessageLength {
		return "", domain.Validation(
			fmt.Sprintf("content must be at most %d characters", domain.MaxMessageLength),
			map[string]string{"content": "max"})
	}
	return content, nil
}
