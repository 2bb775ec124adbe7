package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/yai/internal/domain"
	"github.com/ashureev/yai/internal/engine"
	"github.com/ashureev/yai/internal/relay"
)

// collect drains r and returns the tokens, how many sentinels were seen
// before the relay closed and the sentinel error.
func collect(t *testing.T, r *relay.Relay) (toks []string, finals int, finalErr error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		msg, err := r.Get(ctx)
		require.NoError(t, err)
		if !msg.Final {
			toks = append(toks, msg.Token)
			continue
		}
		finals++
		finalErr = msg.Err
		if r.Len() == 0 {
			return toks, finals, finalErr
		}
	}
}

func TestWorkerSendsExactlyOneSentinel(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	cases := map[string]engine.Engine{
		"ok":    tokens("a", "b"),
		"error": engine.Func(func(context.Context, []domain.HistoryEntry, string, domain.ContextScope, engine.Sink) error { return boom }),
		"panic": engine.Func(func(context.Context, []domain.HistoryEntry, string, domain.ContextScope, engine.Sink) error { panic("x") }),
	}
	for name, eng := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			r := relay.New(8)
			job := NewWorker(eng, WorkerConfig{}, quietLogger()).Start(context.Background(), Request{Question: "q", Relay: r})
			job.Wait()

			_, finals, err := collect(t, r)
			assert.Equal(t, 1, finals)
			if name == "ok" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
			assert.False(t, r.Put("late"))
		})
	}
}

func TestWorkerPassesPriorHistoryAndScope(t *testing.T) {
	t.Parallel()

	var gotHistory []domain.HistoryEntry
	var gotScope domain.ContextScope
	eng := engine.Func(func(_ context.Context, history []domain.HistoryEntry, question string, scope domain.ContextScope, sink engine.Sink) error {
		gotHistory = history
		gotScope = scope
		sink(strings.ToUpper(question))
		return nil
	})
	f := newFixture(t, eng, WorkerConfig{})
	f.sessions.GetHistory(testUser).Append("earlier", "reply")

	require.True(t, f.coord.Submit(testUser, "now"))
	turn, ok := f.coord.Open(context.Background(), testUser, testUsername)
	require.True(t, ok)
	for {
		_, done, err := turn.Next(context.Background())
		require.NoError(t, err)
		if done {
			break
		}
	}
	turn.Close()

	assert.Equal(t, []domain.HistoryEntry{{Question: "earlier", Answer: "reply"}}, gotHistory)
	assert.Equal(t, testUsername, gotScope.Username)
	assert.Equal(t, time.Now().Format(domain.DateLayout), gotScope.Today)
	assert.Equal(t, "NOW", f.last(t).Answer)
}

func TestWorkerTimeoutAbandonsEngine(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	eng := engine.Func(func(_ context.Context, _ []domain.HistoryEntry, _ string, _ domain.ContextScope, sink engine.Sink) error {
		sink("partial")
		<-release
		sink("too late")
		return nil
	})
	f := newFixture(t, eng, WorkerConfig{Timeout: 30 * time.Millisecond})
	h := f.handler(nil)

	post(t, h.HandleSubmit, "/messaging/", "slow")
	rec := get(t, h.HandleStream, "/messaging/")

	data, _ := frames(rec.Body.String())
	assert.Equal(t, "[DONE]", data[len(data)-1])
	answer := f.last(t).Answer
	assert.True(t, strings.HasPrefix(answer, "Error: engine timed out"), answer)
	assert.Contains(t, answer, context.DeadlineExceeded.Error())
}

func TestWorkerBoundsConcurrentGenerations(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	eng := engine.Func(func(_ context.Context, _ []domain.HistoryEntry, question string, _ domain.ContextScope, sink engine.Sink) error {
		if question == "hog" {
			started <- struct{}{}
			<-release
		}
		sink("ok")
		return nil
	})
	w := NewWorker(eng, WorkerConfig{MaxConcurrent: 1}, quietLogger())

	hog := relay.New(4)
	hogJob := w.Start(context.Background(), Request{Question: "hog", Relay: hog})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	waiting := relay.New(4)
	w.Start(ctx, Request{Question: "next", Relay: waiting}).Wait()
	_, _, err := collect(t, waiting)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wait for generation slot")

	close(release)
	hogJob.Wait()
}

func TestFinalAnswerIsConcatenationInOrder(t *testing.T) {
	t.Parallel()

	toks := make([]string, 0, 300)
	for i := 0; i < 300; i++ {
		toks = append(toks, fmt.Sprintf("w%d ", i))
	}
	f := newFixture(t, tokens(toks...), WorkerConfig{})
	h := f.handler(nil)

	post(t, h.HandleSubmit, "/messaging/", "count to 300")
	rec := get(t, h.HandleStream, "/messaging/")

	data, _ := frames(rec.Body.String())
	require.Len(t, data, len(toks)+1)

	want := strings.Join(toks, "")
	assert.Equal(t, want, f.last(t).Answer)
	assert.Contains(t, data[len(toks)-1], strings.TrimSpace(string(f.renderer.Markdown(want))))
}
