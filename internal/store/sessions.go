package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/commonground/mediation/internal/domain"
)

const sessionColumns = `
	id, partnership_id, initiator_id, topic, stage, status, session_mode, tone,
	invite_code, invite_expires_at, created_at, updated_at`

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	var partnershipID, inviteCode sql.NullString
	var inviteExpires sql.NullInt64
	var stage, status, mode, tone string
	var createdAt, updatedAt int64

	if err := row.Scan(
		&s.ID, &partnershipID, &s.InitiatorID, &s.Topic, &stage, &status, &mode, &tone,
		&inviteCode, &inviteExpires, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	s.Stage = domain.Stage(stage)
	s.Status = domain.Status(status)
	s.Mode = domain.SessionMode(mode)
	s.Personality = domain.Personality{Tone: domain.Tone(tone)}
	if partnershipID.Valid {
		s.PartnershipID = &partnershipID.String
	}
	if inviteCode.Valid {
		s.InviteCode = &inviteCode.String
	}
	if inviteExpires.Valid {
		ts := fromMillis(inviteExpires.Int64)
		s.InviteExpiresAt = &ts
	}
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}

// CreateSession inserts a session and registers its initiator in one transaction.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session, initiator *domain.Participant) error {
	return s.withTx(ctx, "create session", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (
				id, partnership_id, initiator_id, topic, stage, status, session_mode, tone,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID, nullString(session.PartnershipID), session.InitiatorID, session.Topic,
			string(session.Stage), string(session.Status), string(session.Mode),
			string(session.Personality.Tone),
			toMillis(session.CreatedAt), toMillis(session.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return insertParticipant(ctx, tx, initiator)
	})
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// FindSessionByCode resolves a current or previously redeemed invite code.
func (s *SQLiteStore) FindSessionByCode(ctx context.Context, code string) (*CodeLookup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`, COALESCE(redeemed_code = ?, 0)
		FROM sessions WHERE invite_code = ? OR redeemed_code = ?
		ORDER BY invite_code = ? DESC
		LIMIT 1`, code, code, code, code)

	var redeemed bool
	session, err := scanSession(withExtra(row, &redeemed))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session by code: %w", err)
	}

	// A live code wins over an older redeemed match.
	if session.InviteCode != nil && *session.InviteCode == code {
		redeemed = false
	}
	return &CodeLookup{Session: session, Redeemed: redeemed}, nil
}

// extraScanner appends trailing destinations to a scan.
type extraScanner struct {
	row   rowScanner
	extra []any
}

func withExtra(row rowScanner, extra ...any) rowScanner {
	return extraScanner{row: row, extra: extra}
}

func (e extraScanner) Scan(dest ...any) error {
	return e.row.Scan(append(dest, e.extra...)...)
}

// ListSessionsForUser lists sessions the user initiated or joined.
func (s *SQLiteStore) ListSessionsForUser(ctx context.Context, userID string, limit int) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE initiator_id = ?
		   OR id IN (SELECT session_id FROM participants WHERE user_id = ?)
		ORDER BY updated_at DESC, created_at DESC
		LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// UpdateStage moves a session from one stage to another.
func (s *SQLiteStore) UpdateStage(ctx context.Context, sessionID string, from, to domain.Stage, now time.Time) error {
	rows, err := s.exec(ctx, "update stage",
		`UPDATE sessions SET stage = ?, updated_at = ? WHERE id = ? AND stage = ?`,
		string(to), toMillis(now), sessionID, string(from))
	if err != nil {
		return err
	}
	if rows == 0 {
		slog.Warn("UpdateStage affected 0 rows", "session_id", sessionID, "from", from, "to", to)
		return ErrStaleWrite
	}
	return nil
}

// UpdateStatus moves a session from one status to another.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, sessionID string, from, to domain.Status, now time.Time) error {
	rows, err := s.exec(ctx, "update status",
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), toMillis(now), sessionID, string(from))
	if err != nil {
		return err
	}
	if rows == 0 {
		slog.Warn("UpdateStatus affected 0 rows", "session_id", sessionID, "from", from, "to", to)
		return ErrStaleWrite
	}
	return nil
}

// SetInvite stores a new invite code, replacing any previous one.
func (s *SQLiteStore) SetInvite(ctx context.Context, sessionID, code string, expiresAt, now time.Time) error {
	rows, err := s.exec(ctx, "set invite",
		`UPDATE sessions SET invite_code = ?, invite_expires_at = ?, updated_at = ? WHERE id = ?`,
		code, toMillis(expiresAt), toMillis(now), sessionID)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("set invite: session %s not found", sessionID)
	}
	return nil
}

// ClearInvite removes the invite code unconditionally.
func (s *SQLiteStore) ClearInvite(ctx context.Context, sessionID string, now time.Time) error {
	_, err := s.exec(ctx, "clear invite",
		`UPDATE sessions SET invite_code = NULL, invite_expires_at = NULL, updated_at = ? WHERE id = ?`,
		toMillis(now), sessionID)
	return err
}

// ClearExpiredInvites removes invite codes whose expiry is not after now.
func (s *SQLiteStore) ClearExpiredInvites(ctx context.Context, now time.Time) (int64, error) {
	return s.exec(ctx, "clear expired invites",
		`UPDATE sessions SET invite_code = NULL, invite_expires_at = NULL
		 WHERE invite_code IS NOT NULL AND invite_expires_at <= ?`,
		toMillis(now))
}

// AbandonIdleSessions marks stale active or paused sessions as abandoned
// and returns their IDs.
func (s *SQLiteStore) AbandonIdleSessions(ctx context.Context, idleSince, now time.Time) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, "abandon idle sessions", func(tx *sql.Tx) error {
		ids = ids[:0]
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM sessions WHERE status IN (?, ?) AND updated_at < ?`,
			string(domain.StatusActive), string(domain.StatusPaused), toMillis(idleSince))
		if err != nil {
			return fmt.Errorf("select idle sessions: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan idle session: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close idle session rows: %w", err)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate idle sessions: %w", err)
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET status = ?, invite_code = NULL, invite_expires_at = NULL, updated_at = ?
				 WHERE id = ?`,
				string(domain.StatusAbandoned), toMillis(now), id); err != nil {
				return fmt.Errorf("abandon session %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
