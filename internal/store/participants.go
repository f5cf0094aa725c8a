package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/commonground/mediation/internal/domain"
	"github.com/commonground/mediation/internal/shared"
)

func insertParticipant(ctx context.Context, tx *sql.Tx, p *domain.Participant) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO participants (session_id, user_id, slot, display_name, joined_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.SessionID, p.UserID, p.Slot, p.DisplayName, toMillis(p.JoinedAt), toMillis(p.LastSeenAt),
	)
	if err == nil {
		return nil
	}
	if shared.IsSQLiteUniqueError(err) {
		// The (session_id, slot) constraint guards the partner seat; the
		// primary key guards duplicate membership.
		if strings.Contains(err.Error(), "participants.slot") {
			return ErrSessionFull
		}
		return ErrAlreadyParticipant
	}
	return fmt.Errorf("insert participant: %w", err)
}

func scanParticipant(row rowScanner) (*domain.Participant, error) {
	var p domain.Participant
	var joinedAt, lastSeen int64
	if err := row.Scan(&p.SessionID, &p.UserID, &p.Slot, &p.DisplayName, &joinedAt, &lastSeen); err != nil {
		return nil, err
	}
	p.JoinedAt = fromMillis(joinedAt)
	p.LastSeenAt = fromMillis(lastSeen)
	return &p, nil
}

// ListParticipants returns participants ordered by slot.
func (s *SQLiteStore) ListParticipants(ctx context.Context, sessionID string) ([]*domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, slot, display_name, joined_at, last_seen_at
		FROM participants WHERE session_id = ? ORDER BY slot`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close participant rows", "error", closeErr)
		}
	}()

	var participants []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return participants, nil
}

// GetParticipant returns one participant.
func (s *SQLiteStore) GetParticipant(ctx context.Context, sessionID, userID string) (*domain.Participant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, slot, display_name, joined_at, last_seen_at
		FROM participants WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant row: %w", err)
	}
	return p, nil
}

// TouchParticipant bumps last_seen_at for a participant.
func (s *SQLiteStore) TouchParticipant(ctx context.Context, sessionID, userID string, at time.Time) (bool, error) {
	rows, err := s.exec(ctx, "touch participant",
		`UPDATE participants SET last_seen_at = MAX(last_seen_at, ?) WHERE session_id = ? AND user_id = ?`,
		toMillis(at), sessionID, userID)
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// JoinSession registers a partner and consumes the invite in one transaction.
func (s *SQLiteStore) JoinSession(ctx context.Context, join Join) error {
	return s.withTx(ctx, "join session", func(tx *sql.Tx) error {
		// Consuming the code first serializes racing joins: only one
		// transaction can match the live code.
		result, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET invite_code = NULL, invite_expires_at = NULL, redeemed_code = ?,
			    session_mode = ?, updated_at = ?
			WHERE id = ? AND invite_code = ? AND invite_expires_at > ? AND status = ?`,
			join.Code, string(domain.ModeCollaborative), toMillis(join.Now),
			join.SessionID, join.Code, toMillis(join.Now), string(domain.StatusActive),
		)
		if err != nil {
			return fmt.Errorf("consume invite: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("consume invite rows affected: %w", err)
		}
		if rows == 0 {
			return ErrInviteConsumed
		}

		if err := insertParticipant(ctx, tx, join.Participant); err != nil {
			return err
		}

		if join.Notice != nil {
			if err := insertMessage(ctx, tx, join.Notice); err != nil {
				return err
			}
		}
		return nil
	})
}
