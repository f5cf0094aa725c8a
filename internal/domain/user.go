// Package domain contains core domain types for the mediation service.
package domain

import (
	"time"
)

// User is an authenticated person known to the service. Identity is owned by
// the external provider; this record only caches the display name.
type User struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
