package domain

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

var statusTransitions = map[Status][]Status{
	StatusActive: {StatusPaused, StatusCompleted, StatusAbandoned},
	StatusPaused: {StatusActive, StatusCompleted, StatusAbandoned},
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusPaused, StatusCompleted, StatusAbandoned:
		return st, nil
	}
	return "", Validation(fmt.Sprintf("unknown status %q", s), map[string]string{"status": "oneof"})
}

// Terminal reports whether no further status change is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// StatusTransition checks a status change. Setting the current status again is a no-op.
func StatusTransition(from, to Status) error {
	if from == to {
		return nil
	}
	for _, s := range statusTransitions[from] {
		if s == to {
			return nil
		}
	}
	return Conflict(fmt.Sprintf("illegal status transition %s -> %s", from, to))
}

// SessionMode distinguishes single-user from partnered sessions.
type SessionMode string

const (
	ModeSolo          SessionMode = "solo"
	ModeCollaborative SessionMode = "collaborative"
)

// Tone is the mediator personality setting handed to the response generator.
type Tone string

const (
	ToneGentle   Tone = "gentle"
	ToneBalanced Tone = "balanced"
	ToneDirect   Tone = "direct"
)

// Personality carries mediator settings for a session.
type Personality struct {
	Tone Tone `json:"tone"`
}

// Session is one guided mediation conversation.
type Session struct {
	ID              string      `json:"id"`
	PartnershipID   *string     `json:"partnership_id,omitempty"`
	InitiatorID     string      `json:"initiator_id"`
	Topic           string      `json:"topic"`
	Stage           Stage       `json:"stage"`
	Status          Status      `json:"status"`
	Mode            SessionMode `json:"session_mode"`
	Personality     Personality `json:"personality"`
	InviteCode      *string     `json:"-"`
	InviteExpiresAt *time.Time  `json:"-"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// MaxTopicLength bounds Session.Topic.
const MaxTopicLength = 500

// IsInitiator reports whether userID started the session.
func (s *Session) IsInitiator(userID string) bool {
	return s.InitiatorID == userID
}

// ActiveInvite returns the invite code if one is set and unexpired at now.
func (s *Session) ActiveInvite(now time.Time) (string, bool) {
	if s.InviteCode == nil || s.InviteExpiresAt == nil {
		return "", false
	}
	if !s.InviteExpiresAt.After(now) {
		return "", false
	}
	return *s.InviteCode, true
}
