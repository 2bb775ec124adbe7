package session

import (
	"context"
	"log/slog"
	"time"
)

// Sweep implements Store. Sessions with a turn in flight or an unclaimed
// question are never removed.
func (s *MemoryStore) Sweep(idle time.Duration, now time.Time) int {
	if idle <= 0 {
		return 0
	}
	if now.IsZero() {
		now = s.now()
	}

	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for user, sess := range sh.sessions {
			sess.mu.Lock()
			if sess.inFlight || sess.hasPending || now.Sub(sess.lastActivity) < idle {
				sess.mu.Unlock()
				continue
			}
			sess.evicted = true
			sess.mu.Unlock()
			delete(sh.sessions, user)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed
}

// StartSweeper runs a background goroutine that periodically evicts idle
// sessions. It is a no-op when idle or interval is not positive.
func StartSweeper(ctx context.Context, store Store, idle, interval time.Duration, logger *slog.Logger) {
	if idle <= 0 || interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Session sweeper started", "interval", interval, "idle_ttl", idle)

		for {
			select {
			case now := <-ticker.C:
				if removed := store.Sweep(idle, now); removed > 0 {
					logger.Info("Session sweeper evicted idle sessions", "count", removed, "remaining", store.Len())
				}
			case <-ctx.Done():
				logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
