package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/yai/internal/domain"
	"github.com/ashureev/yai/internal/store"
)

// Archiver records finished turns. Archive must not block the caller.
type Archiver interface {
	Archive(t *domain.Transcript)
	Close() error
}

type noopArchiver struct{}

func (noopArchiver) Archive(*domain.Transcript) {}

func (noopArchiver) Close() error { return nil }

// StoreArchiver writes transcripts to a repository from a background
// goroutine. When its queue is full new transcripts are dropped.
type StoreArchiver struct {
	repo    store.Repository
	queue   chan *domain.Transcript
	metrics *Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

const (
	defaultArchiveQueue = 256
	archiveWriteTimeout = 5 * time.Second
)

// NewStoreArchiver starts an archiver writing to repo.
func NewStoreArchiver(repo store.Repository, queueSize int, metrics *Metrics, logger *slog.Logger) *StoreArchiver {
	if queueSize <= 0 {
		queueSize = defaultArchiveQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &StoreArchiver{
		repo:    repo,
		queue:   make(chan *domain.Transcript, queueSize),
		metrics: metrics,
		logger:  logger,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

// Archive queues t for writing. Transcripts arriving after Close are
// dropped.
func (a *StoreArchiver) Archive(t *domain.Transcript) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.metrics.archiveDropped()
		a.logger.Warn("Transcript archiver closed, dropping turn", "turn_id", t.TurnID, "user_id", t.UserID)
		return
	}
	select {
	case a.queue <- t:
	default:
		a.metrics.archiveDropped()
		a.logger.Warn("Transcript archive queue full, dropping turn", "turn_id", t.TurnID, "user_id", t.UserID)
	}
}

// Close flushes queued transcripts and stops the writer.
func (a *StoreArchiver) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}

func (a *StoreArchiver) loop() {
	defer a.wg.Done()
	for t := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
		if err := a.repo.RecordTranscript(ctx, t); err != nil {
			a.logger.Error("Failed to archive transcript", "turn_id", t.TurnID, "user_id", t.UserID, "error", err)
		}
		cancel()
	}
}
