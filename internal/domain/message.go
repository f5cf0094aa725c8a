package domain

import (
	"fmt"
	"time"
)

// Role identifies the author class of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleAssistant, RoleSystem:
		return r, nil
	}
	return "", Validation(fmt.Sprintf("unknown role %q", s), map[string]string{"role": "oneof"})
}

// MaxMessageLength bounds Message.Content.
const MaxMessageLength = 5000

// Message is one append-only turn in a session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	UserID    *string   `json:"user_id"` // nil for mediator/system authored turns
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Stage     Stage     `json:"stage"`
	CreatedAt time.Time `json:"created_at"`
}
