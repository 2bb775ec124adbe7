package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/yai/internal/domain"
	"github.com/ashureev/yai/internal/relay"
	"github.com/ashureev/yai/internal/render"
	"github.com/ashureev/yai/internal/session"
)

// ErrTurnInFlight is returned when a user already has an answer generating.
var ErrTurnInFlight = errors.New("a turn is already in progress")

// errorPrefix starts the answer text of a turn whose engine failed.
const errorPrefix = "Error: "

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	RelayBuffer int
	Archiver    Archiver
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Coordinator ties the session store, worker and renderer together. It owns
// the turn lifecycle: submitted, streaming, then completed or failed.
type Coordinator struct {
	sessions    session.Store
	worker      *Worker
	renderer    *render.Renderer
	relayBuffer int
	archive     Archiver
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(sessions session.Store, worker *Worker, renderer *render.Renderer, opts Options) *Coordinator {
	if opts.Archiver == nil {
		opts.Archiver = noopArchiver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		sessions:    sessions,
		worker:      worker,
		renderer:    renderer,
		relayBuffer: opts.RelayBuffer,
		archive:     opts.Archiver,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// Submit stores text as the user's pending question, replacing any unclaimed
// one. Empty text is ignored and Submit reports false.
func (c *Coordinator) Submit(user, text string) bool {
	if text == "" {
		return false
	}
	c.sessions.SetPending(user, text)
	return true
}

// Open claims the user's pending question and starts answering it. It reports
// false when there is nothing pending or a turn is already in flight; in the
// latter case the pending question is left for a later Open.
//
// The generation is detached from ctx: it runs to completion even if the
// caller goes away. The caller must Close the returned Turn.
func (c *Coordinator) Open(ctx context.Context, user, username string) (*Turn, bool) {
	if !c.sessions.BeginTurn(user) {
		return nil, false
	}
	question, ok := c.sessions.ClaimPending(user)
	if !ok {
		c.sessions.EndTurn(user)
		return nil, false
	}
	return c.start(ctx, user, username, question), true
}

// Ask answers text without going through the pending slot and returns the
// rendered history once the answer is complete.
func (c *Coordinator) Ask(ctx context.Context, user, username, text string) (string, error) {
	if text == "" {
		return c.Snapshot(user)
	}
	if !c.sessions.BeginTurn(user) {
		return "", ErrTurnInFlight
	}

	turn := c.start(ctx, user, username, text)
	defer turn.Close()
	for {
		_, done, err := turn.next(ctx, false)
		if err != nil {
			return "", err
		}
		if done {
			break
		}
	}
	return c.Snapshot(user)
}

// Snapshot renders the user's current history.
func (c *Coordinator) Snapshot(user string) (string, error) {
	return c.renderer.Fragment(c.sessions.GetHistory(user).Snapshot())
}

// Reset forgets the user's conversation. It fails while a turn is in flight.
func (c *Coordinator) Reset(user string) error {
	if !c.sessions.BeginTurn(user) {
		return ErrTurnInFlight
	}
	defer c.sessions.EndTurn(user)
	c.sessions.Reset(user)
	return nil
}

func (c *Coordinator) start(ctx context.Context, user, username, question string) *Turn {
	history := c.sessions.GetHistory(user)
	prior := history.Snapshot()
	history.Append(question, "")

	t := &Turn{
		ID:       uuid.NewString(),
		User:     user,
		Question: question,
		c:        c,
		history:  history,
		relay:    relay.New(c.relayBuffer),
		started:  c.now(),
	}
	t.job = c.worker.Start(context.WithoutCancel(ctx), Request{
		TurnID:   t.ID,
		History:  prior,
		Question: question,
		Scope:    domain.NewContextScope(username, t.started),
		Relay:    t.relay,
	})

	c.metrics.turnStarted()
	c.logger.Info("Turn started", "turn_id", t.ID, "user_id", user, "question_length", len(question))
	return t
}

// Turn is one question being answered. It is used by a single goroutine.
type Turn struct {
	ID       string
	User     string
	Question string

	c       *Coordinator
	history *domain.History
	relay   *relay.Relay
	job     *Job
	started time.Time

	tokens  int
	err     error
	done    bool
	stopped bool
	closed  bool
}

// Next waits for the next token, appends it to the answer and returns the
// rendered history. At the end of the answer it returns done. A failed turn
// first yields one more fragment carrying the error answer. An error means
// ctx ended or rendering failed; the turn should then be closed.
func (t *Turn) Next(ctx context.Context) (fragment string, done bool, err error) {
	return t.next(ctx, true)
}

func (t *Turn) next(ctx context.Context, emit bool) (string, bool, error) {
	if t.done {
		return "", true, nil
	}
	msg, err := t.relay.Get(ctx)
	if err != nil {
		return "", false, err
	}
	t.apply(msg)
	if !emit {
		return "", t.done, nil
	}
	if t.done && t.err == nil {
		return "", true, nil
	}
	fragment, err := t.c.renderer.Fragment(t.history.Snapshot())
	if err != nil {
		return "", false, err
	}
	return fragment, false, nil
}

// Err returns the engine failure of a finished turn.
func (t *Turn) Err() error { return t.err }

func (t *Turn) apply(msg relay.Message) {
	if !msg.Final {
		t.history.AppendToLast(msg.Token)
		t.tokens++
		return
	}
	t.done = true
	if msg.Err != nil {
		t.err = msg.Err
		t.history.SetLastAnswer(errorPrefix + msg.Err.Error())
	}
}

// Close finishes the turn. If the consumer stopped before the end, the rest
// of the answer is still drained into history. Close waits for the worker,
// then releases the user for the next turn and archives the result.
func (t *Turn) Close() {
	if t.closed {
		return
	}
	t.closed = true

	if !t.done {
		t.stopped = true
		t.c.logger.Warn("Stream consumer gone, draining answer", "turn_id", t.ID, "user_id", t.User)
		for !t.done {
			msg, _ := t.relay.Get(context.Background())
			t.apply(msg)
		}
	}
	t.job.Wait()

	finished := t.c.now()
	last, _ := t.history.Last()
	t.c.sessions.EndTurn(t.User)

	status := domain.TurnCompleted
	if t.err != nil {
		status = domain.TurnFailed
	}
	t.c.archive.Archive(&domain.Transcript{
		TurnID:       t.ID,
		UserID:       t.User,
		Question:     t.Question,
		Answer:       last.Answer,
		Status:       status,
		Tokens:       t.tokens,
		Disconnected: t.stopped,
		StartedAt:    t.started,
		CompletedAt:  finished,
	})
	t.c.metrics.turnFinished(t.err != nil, t.stopped, t.tokens, finished.Sub(t.started))
	t.c.logger.Info("Turn finished",
		"turn_id", t.ID,
		"user_id", t.User,
		"status", status,
		"tokens", t.tokens,
		"disconnected", t.stopped,
		"duration", finished.Sub(t.started),
	)
}
