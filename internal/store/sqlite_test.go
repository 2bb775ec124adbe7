package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/yai/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "yai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	got, err := repo.GetUser(ctx, "anon_missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Unix(1_790_000_000, 0)
	require.NoError(t, repo.UpsertUser(ctx, &domain.User{
		UserID: "anon_1", Username: "anon-1", LastSeenAt: now, CreatedAt: now, UpdatedAt: now,
	}))

	later := now.Add(time.Hour)
	require.NoError(t, repo.UpdateLastSeen(ctx, "anon_1", later))

	got, err = repo.GetUser(ctx, "anon_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "anon-1", got.Username)
	assert.Equal(t, later.Unix(), got.LastSeenAt.Unix())
	assert.Equal(t, now.Unix(), got.CreatedAt.Unix())

	require.NoError(t, repo.UpdateLastSeen(ctx, "anon_ghost", later), "missing users are only logged")
}

func TestTranscriptsNewestFirst(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute)

	for i, q := range []string{"first", "second", "third"} {
		require.NoError(t, repo.RecordTranscript(ctx, &domain.Transcript{
			TurnID:       q,
			UserID:       "anon_1",
			Question:     q,
			Answer:       "answer to " + q,
			Status:       domain.TurnCompleted,
			Tokens:       i + 1,
			Disconnected: i == 1,
			StartedAt:    start,
			CompletedAt:  start.Add(time.Duration(i+1) * time.Second),
		}))
	}
	require.NoError(t, repo.RecordTranscript(ctx, &domain.Transcript{
		TurnID: "other", UserID: "anon_2", Question: "q", Answer: "Error: boom",
		Status: domain.TurnFailed, StartedAt: start, CompletedAt: start,
	}))

	got, err := repo.ListTranscripts(ctx, "anon_1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Question)
	assert.Equal(t, "second", got[1].Question)
	assert.True(t, got[1].Disconnected)
	assert.Equal(t, 2, got[1].Tokens)
	assert.Equal(t, 2*time.Second, got[1].Duration())

	other, err := repo.ListTranscripts(ctx, "anon_2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, domain.TurnFailed, other[0].Status)

	deleted, err := repo.DeleteTranscripts(ctx, "anon_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
}

func TestCleanupTranscripts(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, repo.RecordTranscript(ctx, &domain.Transcript{
		TurnID: "old", UserID: "u", Status: domain.TurnCompleted, StartedAt: old, CompletedAt: old,
	}))
	require.NoError(t, repo.RecordTranscript(ctx, &domain.Transcript{
		TurnID: "new", UserID: "u", Status: domain.TurnCompleted, StartedAt: time.Now(), CompletedAt: time.Now(),
	}))

	deleted, err := repo.CleanupTranscripts(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	left, err := repo.ListTranscripts(ctx, "u", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].TurnID)
}

func TestRetentionWorkerDisabledWithoutTTL(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	StartRetentionWorker(ctx, repo, 0, time.Millisecond)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, repo.RecordTranscript(ctx, &domain.Transcript{
		TurnID: "kept", UserID: "u", Status: domain.TurnCompleted, StartedAt: old, CompletedAt: old,
	}))
	time.Sleep(20 * time.Millisecond)

	left, err := repo.ListTranscripts(ctx, "u", 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestRetentionWorkerRemovesOldTurns(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	old := time.Now().Add(-time.Hour)
	require.NoError(t, repo.RecordTranscript(ctx, &domain.Transcript{
		TurnID: "stale", UserID: "u", Status: domain.TurnCompleted, StartedAt: old, CompletedAt: old,
	}))
	StartRetentionWorker(ctx, repo, time.Minute, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		left, err := repo.ListTranscripts(ctx, "u", 10)
		return err == nil && len(left) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
