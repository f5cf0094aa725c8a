package domain

import "time"

// Invite is a freshly issued join code.
type Invite struct {
	Code      string    `json:"code"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InviteStatus reports the invite state of a session. Expired codes are reported
// as absent even though storage may still hold them.
type InviteStatus struct {
	HasInvite bool       `json:"has_invite"`
	Code      *string    `json:"code"`
	URL       *string    `json:"url,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsExpired bool       `json:"is_expired"`
}

// JoinResult is returned by a successful join.
type JoinResult struct {
	SessionID string `json:"session_id"`
}
