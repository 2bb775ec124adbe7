package store

import (
	"context"
	"log/slog"
	"time"
)

// StartRetentionWorker periodically deletes transcripts older than ttl until
// ctx is done. It does nothing when ttl or interval is not positive.
func StartRetentionWorker(ctx context.Context, repo Repository, ttl, interval time.Duration) {
	if ttl <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Transcript retention worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				deleted, err := repo.CleanupTranscripts(ctx, ttl)
				if err != nil {
					slog.Error("Transcript retention cleanup failed", "error", err)
					continue
				}
				if deleted > 0 {
					slog.Info("Transcript retention removed old turns", "count", deleted)
				}
			case <-ctx.Done():
				slog.Info("Transcript retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
