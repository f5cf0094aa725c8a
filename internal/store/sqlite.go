package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/commonground/mediation/internal/domain"
	"github.com/commonground/mediation/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, retry shared.RetryPolicy) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so writers queue on
	// the busy timeout instead of failing on lock upgrade.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: retry}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		partnership_id TEXT,
		initiator_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		session_mode TEXT NOT NULL,
		tone TEXT NOT NULL DEFAULT 'balanced',
		invite_code TEXT UNIQUE,
		invite_expires_at INTEGER,
		redeemed_code TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_initiator ON sessions(initiator_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_redeemed ON sessions(redeemed_code) WHERE redeemed_code IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_sessions_idle ON sessions(status, updated_at);

	CREATE TABLE IF NOT EXISTS participants (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		slot INTEGER NOT NULL CHECK (slot IN (1, 2)),
		display_name TEXT NOT NULL,
		joined_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, user_id),
		UNIQUE (session_id, slot)
	);
	CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		user_id TEXT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		stage TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, retrying the whole transaction on lock contention.
func (s *SQLiteStore) withTx(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	_, err := shared.RetryOnBusy(ctx, s.retry, name, func() (struct{}, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return struct{}{}, fmt.Errorf("begin %s: %w", name, err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("rollback failed", "operation", name, "error", rbErr)
			}
			return struct{}{}, err
		}
		if err := tx.Commit(); err != nil {
			return struct{}{}, fmt.Errorf("commit %s: %w", name, err)
		}
		return struct{}{}, nil
	})
	return err
}

// exec runs a single statement with busy retries and returns rows affected.
func (s *SQLiteStore) exec(ctx context.Context, name, query string, args ...any) (int64, error) {
	return shared.RetryOnBusy(ctx, s.retry, name, func() (int64, error) {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("%s rows affected: %w", name, err)
		}
		return rows, nil
	})
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, display_name, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.DisplayName, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = fromMillis(lastSeen)
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, display_name, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		display_name = excluded.display_name,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.exec(ctx, "upsert user", query,
		user.UserID, user.DisplayName,
		toMillis(user.LastSeenAt), toMillis(user.CreatedAt), toMillis(user.UpdatedAt),
	)
	return err
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
