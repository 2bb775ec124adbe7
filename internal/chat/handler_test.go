package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/yai/internal/domain"
	"github.com/ashureev/yai/internal/engine"
)

func TestStreamAnswersSubmittedQuestion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, tokens("4", " is", " the answer."), WorkerConfig{})
	h := f.handler(nil)

	rec := post(t, h.HandleSubmit, "/messaging/", "What is 2+2?")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	rec = get(t, h.HandleStream, "/messaging/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	data, closed := frames(rec.Body.String())
	require.Len(t, data, 4)
	assert.Contains(t, data[0], "<p>4</p>")
	assert.Contains(t, data[1], "<p>4 is</p>")
	assert.Contains(t, data[2], "<p>4 is the answer.</p>")
	assert.Contains(t, data[2], "What is 2")
	assert.Equal(t, "[DONE]", data[3])
	assert.True(t, closed)
	assert.True(t, strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n:\n\n"))

	assert.Equal(t, domain.HistoryEntry{Question: "What is 2+2?", Answer: "4 is the answer."}, f.last(t))
}

func TestFramesAreSingleLine(t *testing.T) {
	t.Parallel()

	f := newFixture(t, tokens("line one\n", "line two\n\n", "- item"), WorkerConfig{})
	h := f.handler(nil)

	post(t, h.HandleSubmit, "/messaging/", "list please")
	rec := get(t, h.HandleStream, "/messaging/")

	data, _ := frames(rec.Body.String())
	require.Len(t, data, 4)
	for _, d := range data {
		assert.NotContains(t, d, "\n")
		assert.Equal(t, strings.TrimSpace(d), d)
	}
	assert.Contains(t, data[2], "<li>item</li>")
}

func TestEmptySubmissionLeavesNothingPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, tokens("never"), WorkerConfig{})
	h := f.handler(nil)

	rec := post(t, h.HandleSubmit, "/messaging/", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, h.HandleStream, "/messaging/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, 0, f.sessions.GetHistory(testUser).Len())
}

func TestStreamWithoutSubmissionIsEmpty(t *testing.T) {
	t.Parallel()

	f := newFixture(t, tokens("never"), WorkerConfig{})
	rec := get(t, f.handler(nil).HandleStream, "/messaging/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestEngineFailureBecomesAnswer(t *testing.T) {
	t.Parallel()

	eng := engine.Func(func(_ context.Context, _ []domain.HistoryEntry, _ string, _ domain.ContextScope, sink engine.Sink) error {
		sink("partial ")
		return errors.New("model overloaded")
	})
	f := newFixture(t, eng, WorkerConfig{})
	h := f.handler(nil)

	post(t, h.HandleSubmit, "/messaging/", "hello")
	rec := get(t, h.HandleStream, "/messaging/")

	assert.Equal(t, http.StatusOK, rec.Code)
	data, closed := frames(rec.Body.String())
	require.Len(t, data, 3)
	assert.Contains(t, data[0], "partial")
	assert.Contains(t, data[1], "Error: model overloaded", "failure is streamed before the end")
	assert.NotContains(t, data[1], "partial")
	assert.Equal(t, "[DONE]", data[2])
	assert.True(t, closed)

	last := f.last(t)
	assert.True(t, strings.HasPrefix(last.Answer, "Error: "))
	assert.Equal(t, "Error: model overloaded", last.Answer)

	got := f.archive.transcripts()
	require.Len(t, got, 1)
	assert.Equal(t, domain.TurnFailed, got[0].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.turns.WithLabelValues("failed")))
}

func TestEnginePanicBecomesAnswer(t *testing.T) {
	t.Parallel()

	eng := engine.Func(func(context.Context, []domain.HistoryEntry, string, domain.ContextScope, engine.Sink) error {
		panic("nil map")
	})
	f := newFixture(t, eng, WorkerConfig{})
	h := f.handler(nil)

	post(t, h.HandleSubmit, "/messaging/", "hello")
	rec := get(t, h.HandleStream, "/messaging/")

	data, _ := frames(rec.Body.String())
	require.Len(t, data, 2)
	assert.Contains(t, data[0], "Error: engine panic: nil map")
	assert.Equal(t, "[DONE]", data[1])
	assert.Equal(t, "Error: engine panic: nil map", f.last(t).Answer)
}

func TestDisconnectKeepsDrainingIntoHistory(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	eng := engine.Func(func(_ context.Context, _ []domain.HistoryEntry, _ string, _ domain.ContextScope, sink engine.Sink) error {
		sink("one")
		sink(" two")
		<-release
		sink(" three")
		return nil
	})
	f := newFixture(t, eng, WorkerConfig{})
	h := f.handler(nil)

	post(t, h.HandleSubmit, "/messaging/", "count")

	w := newBrokenWriter(1, func() { close(release) })
	h.HandleStream(w, withUser(httptest.NewRequest(http.MethodGet, "/messaging/", nil)))

	assert.True(t, w.failed)
	assert.Equal(t, "one two three", f.last(t).Answer)

	got := f.archive.transcripts()
	require.Len(t, got, 1)
	assert.True(t, got[0].Disconnected)
	assert.Equal(t, domain.TurnCompleted, got[0].Status)
	assert.Equal(t, 3, got[0].Tokens)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.disconnects))

	assert.True(t, f.sessions.BeginTurn(testUser), "user released after the worker finished")
}

func TestCancelledRequestStillCompletesTurn(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	eng := engine.Func(func(_ context.Context, _ []domain.HistoryEntry, _ string, _ domain.ContextScope, sink engine.Sink) error {
		close(started)
		<-release
		sink("late answer")
		return nil
	})
	f := newFixture(t, eng, WorkerConfig{})
	h := f.handler(nil)
	post(t, h.HandleSubmit, "/messaging/", "slow")

	ctx, cancel := context.WithCancel(context.Background())
	req := withUser(httptest.NewRequest(http.MethodGet, "/messaging/", nil).WithContext(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.HandleStream(httptest.NewRecorder(), req)
	}()

	<-started
	cancel()
	close(release)
	<-done

	assert.Equal(t, "late answer", f.last(t).Answer)
}

func TestSecondStreamWhileGeneratingIsEmpty(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	eng := engine.Func(func(_ context.Context, _ []domain.HistoryEntry, _ string, _ domain.ContextScope, sink engine.Sink) error {
		<-release
		sink("done")
		return nil
	})
	f := newFixture(t, eng, WorkerConfig{})
	h := f.handler(nil)

	post(t, h.HandleSubmit, "/messaging/", "first")
	turn, ok := f.coord.Open(context.Background(), testUser, testUsername)
	require.True(t, ok)

	post(t, h.HandleSubmit, "/messaging/", "second")
	rec := get(t, h.HandleStream, "/messaging/")
	assert.Empty(t, rec.Body.String())

	close(release)
	turn.Close()

	rec = get(t, h.HandleStream, "/messaging/")
	data, _ := frames(rec.Body.String())
	assert.Equal(t, "[DONE]", data[len(data)-1])
	assert.Equal(t, 2, f.sessions.GetHistory(testUser).Len())
	assert.Equal(t, "second", f.last(t).Question)
}

func TestSubmitRateLimited(t *testing.T) {
	t.Parallel()

	f := newFixture(t, tokens("x"), WorkerConfig{})
	limiter := NewRateLimiter(1, time.Hour)
	defer limiter.Close()
	h := f.handler(limiter)

	assert.Equal(t, http.StatusOK, post(t, h.HandleSubmit, "/messaging/", "one").Code)
	assert.Equal(t, http.StatusTooManyRequests, post(t, h.HandleSubmit, "/messaging/", "two").Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.rateLimited))

	got, ok := f.sessions.ClaimPending(testUser)
	require.True(t, ok)
	assert.Equal(t, "one", got)
}

func TestSubmitRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	f := newFixture(t, tokens("x"), WorkerConfig{})
	rec := post(t, f.handler(nil).HandleSubmit, "/messaging/", strings.Repeat("a", 65))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	_, ok := f.sessions.ClaimPending(testUser)
	assert.False(t, ok)
}

func TestHandlersRequireIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, tokens("x"), WorkerConfig{})
	h := f.handler(nil)

	for name, fn := range map[string]http.HandlerFunc{
		"submit":  h.HandleSubmit,
		"stream":  h.HandleStream,
		"message": h.HandleMessage,
		"history": h.HandleHistory,
		"reset":   h.HandleReset,
	} {
		rec := httptest.NewRecorder()
		fn(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("q")))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}
}

func TestMessageAnswersSynchronously(t *testing.T) {
	t.Parallel()

	f := newFixture(t, tokens("**bold**", " answer"), WorkerConfig{})
	h := f.handler(nil)

	rec := post(t, h.HandleMessage, "/message/", "explain")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<strong>bold</strong> answer")

	rec = get(t, h.HandleHistory, "/history/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "explain")

	_, ok := f.sessions.ClaimPending(testUser)
	assert.False(t, ok, "synchronous answers bypass the pending slot")
}

func TestResetClearsConversation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, tokens("a"), WorkerConfig{})
	h := f.handler(nil)
	post(t, h.HandleMessage, "/message/", "q")
	require.Equal(t, 1, f.sessions.GetHistory(testUser).Len())

	rec := httptest.NewRecorder()
	h.HandleReset(rec, withUser(httptest.NewRequest(http.MethodDelete, "/messaging/", nil)))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, f.sessions.GetHistory(testUser).Len())

	require.True(t, f.sessions.BeginTurn(testUser))
	rec = httptest.NewRecorder()
	h.HandleReset(rec, withUser(httptest.NewRequest(http.MethodDelete, "/messaging/", nil)))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
