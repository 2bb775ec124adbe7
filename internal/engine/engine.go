// Package engine implements the text generation engines that answer a turn.
//
// An engine receives the conversation so far, the new question, the turn's
// context scope and a sink. It calls the sink zero or more times with
// incremental answer text and returns when the answer is complete.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/ashureev/yai/internal/domain"
)

// Sink receives incremental answer text.
type Sink func(token string)

// Engine generates an answer for one turn.
type Engine interface {
	// Generate streams the answer to question into sink. history holds the
	// turns preceding question.
	Generate(ctx context.Context, history []domain.HistoryEntry, question string, scope domain.ContextScope, sink Sink) error

	// Name identifies the engine in logs and metrics.
	Name() string
}

// Pinger is implemented by engines that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Closer is implemented by engines holding connections.
type Closer interface {
	Close() error
}

// Func adapts a function to the Engine interface.
type Func func(ctx context.Context, history []domain.HistoryEntry, question string, scope domain.ContextScope, sink Sink) error

// Generate implements Engine.
func (f Func) Generate(ctx context.Context, history []domain.HistoryEntry, question string, scope domain.ContextScope, sink Sink) error {
	return f(ctx, history, question, scope, sink)
}

// Name implements Engine.
func (f Func) Name() string { return "func" }

// Echo streams the question back word by word. Used when no model is
// configured so the service stays usable in development.
type Echo struct {
	Delay time.Duration
}

// Generate implements Engine.
func (e Echo) Generate(ctx context.Context, _ []domain.HistoryEntry, question string, scope domain.ContextScope, sink Sink) error {
	words := strings.Fields(question)
	if len(words) == 0 {
		return nil
	}
	sink("**" + scope.Username + "** asked:")
	for _, w := range words {
		if e.Delay > 0 {
			select {
			case <-time.After(e.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		sink(" " + w)
	}
	return nil
}

// Name implements Engine.
func (Echo) Name() string { return "echo" }
