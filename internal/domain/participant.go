package domain

import "time"

// Participant slots. The initiator always holds SlotInitiator.
const (
	SlotInitiator   = 1
	SlotPartner     = 2
	MaxParticipants = 2
)

// Participant is a user registered in a session.
type Participant struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Slot        int       `json:"slot"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}
