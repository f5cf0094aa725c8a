package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/commonground/mediation/internal/domain"
)

// insertMessage assigns the next per-session sequence number, inserts the
// message, and bumps the session's updated_at.
func insertMessage(ctx context.Context, tx *sql.Tx, msg *domain.Message) error {
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, msg.SessionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next message seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, user_id, role, content, stage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, seq, nullString(msg.UserID), string(msg.Role), msg.Content,
		string(msg.Stage), toMillis(msg.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.Seq = seq

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = MAX(updated_at, ?) WHERE id = ?`,
		toMillis(msg.CreatedAt), msg.SessionID)
	if err != nil {
		return fmt.Errorf("bump session updated_at: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("append message: session %s not found", msg.SessionID)
	}
	return nil
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var m domain.Message
	var userID sql.NullString
	var role, stage string
	var createdAt int64
	if err := row.Scan(&m.ID, &m.SessionID, &m.Seq, &userID, &role, &m.Content, &stage, &createdAt); err != nil {
		return nil, err
	}
	if userID.Valid {
		m.UserID = &userID.String
	}
	m.Role = domain.Role(role)
	m.Stage = domain.Stage(stage)
	m.CreatedAt = fromMillis(createdAt)
	return &m, nil
}

// AppendMessage appends a message outside of a turn.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	return s.withTx(ctx, "append message", func(tx *sql.Tx) error {
		return insertMessage(ctx, tx, msg)
	})
}

// ListMessages returns all messages of a session, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, session_id, seq, user_id, role, content, stage, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
}

// RecentMessages returns up to limit messages, newest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, session_id, seq, user_id, role, content, stage, created_at
		FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, limit)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// RecordTurn persists a complete exchange in one transaction. The stage and
// status update is a compare-and-swap on the stage and the last message seq
// the turn was computed from, so a turn whose history went stale writes
// nothing.
func (s *SQLiteStore) RecordTurn(ctx context.Context, turn Turn) error {
	return s.withTx(ctx, "record turn", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE sessions SET stage = ?, status = ?, updated_at = ?
			WHERE id = ? AND stage = ? AND status = ?
			  AND (SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?) = ?`,
			string(turn.ToStage), string(turn.ToStatus), toMillis(turn.Now),
			turn.SessionID, string(turn.FromStage), string(domain.StatusActive),
			turn.SessionID, turn.LastSeq,
		)
		if err != nil {
			return fmt.Errorf("advance stage: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("advance stage rows affected: %w", err)
		}
		if rows == 0 {
			return ErrStaleWrite
		}

		if err := insertMessage(ctx, tx, turn.UserMessage); err != nil {
			return err
		}
		return insertMessage(ctx, tx, turn.AssistantMessage)
	})
}
