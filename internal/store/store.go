// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/yai/internal/domain"
)

// Repository defines the interface for persisting users and turn transcripts.
// Conversation history itself lives in memory only.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// RecordTranscript archives a finished turn.
	RecordTranscript(ctx context.Context, t *domain.Transcript) error

	// ListTranscripts returns the user's most recent turns, newest first.
	ListTranscripts(ctx context.Context, userID string, limit int) ([]*domain.Transcript, error)

	// DeleteTranscripts removes every archived turn of a user.
	DeleteTranscripts(ctx context.Context, userID string) (int64, error)

	// CleanupTranscripts removes turns completed longer than ttl ago.
	CleanupTranscripts(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
