// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/commonground/mediation/internal/domain"
)

// Sentinel errors returned by Repository implementations. The session service
// maps them onto domain errors.
var (
	// ErrStaleWrite means a compare-and-swap update found the row changed.
	ErrStaleWrite = errors.New("stale write: row changed concurrently")
	// ErrSessionFull means the partner slot is already taken.
	ErrSessionFull = errors.New("session already has two participants")
	// ErrAlreadyParticipant means the user is registered in the session.
	ErrAlreadyParticipant = errors.New("user is already a participant")
	// ErrInviteConsumed means the invite code was redeemed, revoked, or expired
	// between validation and the join transaction.
	ErrInviteConsumed = errors.New("invite code no longer valid")
)

// Turn is one persisted exchange: the user's message, an optional stage
// advance, and the mediator's reply. It is written atomically.
type Turn struct {
	SessionID        string
	FromStage        domain.Stage
	ToStage          domain.Stage
	ToStatus         domain.Status
	UserMessage      *domain.Message
	AssistantMessage *domain.Message
	Now              time.Time
	// LastSeq is the highest message seq the turn's history included.
	LastSeq int64
}

// Join admits a partner through an invite code. It is written atomically.
type Join struct {
	SessionID   string
	Code        string
	Participant *domain.Participant
	Notice      *domain.Message // optional system message announcing the join
	Now         time.Time
}

// CodeLookup is the result of resolving an invite code.
type CodeLookup struct {
	Session *domain.Session
	// Redeemed is true when the code matched a previously consumed invite.
	Redeemed bool
}

// Repository defines the interface for persisting mediation state.
type Repository interface {
	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// GetUser retrieves a user by ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// CreateSession inserts a session and registers its initiator in one transaction.
	CreateSession(ctx context.Context, session *domain.Session, initiator *domain.Participant) error

	// GetSession retrieves a session by ID. Returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// FindSessionByCode resolves a current or previously redeemed invite code.
	// Returns nil, nil when no session ever used the code.
	FindSessionByCode(ctx context.Context, code string) (*CodeLookup, error)

	// ListSessionsForUser lists sessions the user initiated or joined, most recently updated first.
	ListSessionsForUser(ctx context.Context, userID string, limit int) ([]*domain.Session, error)

	// UpdateStage moves a session from one stage to another (compare-and-swap on from).
	UpdateStage(ctx context.Context, sessionID string, from, to domain.Stage, now time.Time) error

	// UpdateStatus moves a session from one status to another (compare-and-swap on from).
	UpdateStatus(ctx context.Context, sessionID string, from, to domain.Status, now time.Time) error

	// SetInvite stores a new invite code, replacing any previous one.
	SetInvite(ctx context.Context, sessionID, code string, expiresAt, now time.Time) error

	// ClearInvite removes the invite code unconditionally.
	ClearInvite(ctx context.Context, sessionID string, now time.Time) error

	// ClearExpiredInvites removes invite codes whose expiry is not after now.
	ClearExpiredInvites(ctx context.Context, now time.Time) (int64, error)

	// AbandonIdleSessions marks active or paused sessions not updated since
	// idleSince as abandoned and returns their IDs.
	AbandonIdleSessions(ctx context.Context, idleSince, now time.Time) ([]string, error)

	// ListParticipants returns participants ordered by slot.
	ListParticipants(ctx context.Context, sessionID string) ([]*domain.Participant, error)

	// GetParticipant returns one participant. Returns nil, nil when absent.
	GetParticipant(ctx context.Context, sessionID, userID string) (*domain.Participant, error)

	// TouchParticipant bumps last_seen_at. Returns false when the user is not a participant.
	TouchParticipant(ctx context.Context, sessionID, userID string, at time.Time) (bool, error)

	// JoinSession registers a partner, consumes the invite, and switches the
	// session to collaborative mode in one transaction.
	JoinSession(ctx context.Context, join Join) error

	// AppendMessage appends a message, assigning its sequence number, and bumps the session's updated_at.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns all messages of a session, oldest first.
	ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error)

	// RecentMessages returns up to limit messages, newest first.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error)

	// RecordTurn persists a complete exchange in one transaction.
	RecordTurn(ctx context.Context, turn Turn) error
}
