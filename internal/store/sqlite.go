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

	"github.com/ashureev/yai/internal/domain"
	"github.com/ashureev/yai/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
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

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transcripts (
		turn_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		status TEXT NOT NULL,
		tokens INTEGER NOT NULL DEFAULT 0,
		disconnected INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcripts_user ON transcripts(user_id, completed_at);
	CREATE INDEX IF NOT EXISTS idx_transcripts_completed ON transcripts(completed_at);
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

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`

	var rows int64
	err := shared.RetryOnConflict(ctx, "update last_seen", writeRetries, writeBaseDelay, func() error {
		result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// RecordTranscript archives a finished turn. Writes race with the identity
// middleware's user upserts, so SQLITE_BUSY is retried with backoff.
func (s *SQLiteStore) RecordTranscript(ctx context.Context, t *domain.Transcript) error {
	query := `
	INSERT INTO transcripts (
		turn_id, user_id, question, answer, status, tokens,
		disconnected, started_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, "record transcript", writeRetries, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			t.TurnID, t.UserID, t.Question, t.Answer, string(t.Status), t.Tokens,
			t.Disconnected, t.StartedAt.UnixMilli(), t.CompletedAt.UnixMilli(),
		)
		return err
	})
}

// ListTranscripts returns the user's most recent turns, newest first.
func (s *SQLiteStore) ListTranscripts(ctx context.Context, userID string, limit int) ([]*domain.Transcript, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT turn_id, user_id, question, answer, status, tokens,
		       disconnected, started_at, completed_at
		FROM transcripts WHERE user_id = ?
		ORDER BY completed_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transcript rows", "error", closeErr)
		}
	}()

	var out []*domain.Transcript
	for rows.Next() {
		var t domain.Transcript
		var status string
		var startedAt, completedAt int64

		if err := rows.Scan(
			&t.TurnID, &t.UserID, &t.Question, &t.Answer, &status, &t.Tokens,
			&t.Disconnected, &startedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}

		t.Status = domain.TurnStatus(status)
		t.StartedAt = time.UnixMilli(startedAt)
		t.CompletedAt = time.UnixMilli(completedAt)
		out = append(out, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}

	return out, nil
}

// DeleteTranscripts removes every archived turn of a user.
func (s *SQLiteStore) DeleteTranscripts(ctx context.Context, userID string) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, "delete transcripts", writeRetries, writeBaseDelay, func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE user_id = ?`, userID)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// CleanupTranscripts removes turns completed longer than ttl ago.
func (s *SQLiteStore) CleanupTranscripts(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	result, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE completed_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup transcripts: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
