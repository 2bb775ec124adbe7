// Package chat runs question/answer turns: it hands a submitted question to a
// generation worker and streams the growing answer back to the client.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ashureev/yai/internal/domain"
	"github.com/ashureev/yai/internal/engine"
	"github.com/ashureev/yai/internal/relay"
)

// WorkerConfig tunes how generations run.
type WorkerConfig struct {
	// Timeout abandons an engine call that runs longer. 0 waits forever.
	Timeout time.Duration
	// MaxConcurrent bounds generations across all users. 0 is unbounded.
	MaxConcurrent int
}

// Worker runs engine calls off the request goroutine. Each call gets its own
// goroutine and reports through a relay.
type Worker struct {
	engine  engine.Engine
	timeout time.Duration
	slots   *semaphore.Weighted
	logger  *slog.Logger
}

// NewWorker creates a worker for eng.
func NewWorker(eng engine.Engine, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{engine: eng, timeout: cfg.Timeout, logger: logger}
	if cfg.MaxConcurrent > 0 {
		w.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return w
}

// Request is the input of one generation.
type Request struct {
	TurnID   string
	History  []domain.HistoryEntry // turns before Question
	Question string
	Scope    domain.ContextScope
	Relay    *relay.Relay
}

// Job is a running generation.
type Job struct {
	done chan struct{}
}

// Wait blocks until the generation goroutine has exited.
func (j *Job) Wait() { <-j.done }

// Start launches the generation and returns immediately. The relay receives
// every token followed by exactly one sentinel, which carries the engine
// failure if there was one.
func (w *Worker) Start(ctx context.Context, req Request) *Job {
	job := &Job{done: make(chan struct{})}
	go func() {
		defer close(job.done)
		err := w.run(ctx, req)
		if err != nil {
			w.logger.Warn("Generation failed", "turn_id", req.TurnID, "engine", w.engine.Name(), "error", err)
		}
		req.Relay.Finish(err)
	}()
	return job
}

func (w *Worker) run(ctx context.Context, req Request) error {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	if w.slots != nil {
		if err := w.slots.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("wait for generation slot: %w", err)
		}
		defer w.slots.Release(1)
	}

	if w.timeout <= 0 {
		return w.generate(ctx, req)
	}

	// The engine may ignore ctx. Stop waiting at the deadline; anything it
	// still produces is dropped by the finished relay.
	result := make(chan error, 1)
	go func() { result <- w.generate(ctx, req) }()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("engine timed out after %s: %w", w.timeout, ctx.Err())
	}
}

func (w *Worker) generate(ctx context.Context, req Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return w.engine.Generate(ctx, req.History, req.Question, req.Scope, func(token string) {
		req.Relay.Put(token)
	})
}
