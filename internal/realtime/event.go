// Package realtime fans session events out to connected clients.
package realtime

import (
	"context"
	"time"
)

// EventType names a realtime event.
type EventType string

// Event types delivered to session subscribers.
const (
	EventTypingStart       EventType = "typing_start"
	EventTypingStop        EventType = "typing_stop"
	EventMessage           EventType = "message"
	EventStage             EventType = "stage"
	EventPresence          EventType = "presence"
	EventParticipantJoined EventType = "participant_joined"
	EventStatus            EventType = "status"
	// EventSessionClosed is sent when a session reaches a terminal status.
	// Subscribers are disconnected after receiving it.
	EventSessionClosed EventType = "session_closed"
)

// Event is one notification scoped to a session.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	At        time.Time `json:"at"`
}

// Broadcaster publishes events to everyone subscribed to a session.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event) error
}

// StageChange is the Data payload of an EventStage.
type StageChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// StatusChange is the Data payload of an EventStatus.
type StatusChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}
