package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/yai/internal/domain"
	"github.com/ashureev/yai/internal/engine"
	"github.com/ashureev/yai/internal/identity"
	"github.com/ashureev/yai/internal/render"
	"github.com/ashureev/yai/internal/session"
)

const (
	testUser     = "anon_0123456789abcdef0123456789abcdef"
	testUsername = "anon-89abcdef"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tokens returns an engine that emits toks in order.
func tokens(toks ...string) engine.Engine {
	return engine.Func(func(_ context.Context, _ []domain.HistoryEntry, _ string, _ domain.ContextScope, sink engine.Sink) error {
		for _, tok := range toks {
			sink(tok)
		}
		return nil
	})
}

type recordingArchiver struct {
	mu  sync.Mutex
	got []*domain.Transcript
}

func (a *recordingArchiver) Archive(t *domain.Transcript) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, t)
}

func (a *recordingArchiver) Close() error { return nil }

func (a *recordingArchiver) transcripts() []*domain.Transcript {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*domain.Transcript(nil), a.got...)
}

type fixture struct {
	coord    *Coordinator
	sessions *session.MemoryStore
	archive  *recordingArchiver
	metrics  *Metrics
	renderer *render.Renderer
}

func newFixture(t *testing.T, eng engine.Engine, cfg WorkerConfig) *fixture {
	t.Helper()

	renderer, err := render.New()
	require.NoError(t, err)

	f := &fixture{
		sessions: session.NewMemoryStore(),
		archive:  &recordingArchiver{},
		metrics:  NewMetrics(prometheus.NewRegistry()),
		renderer: renderer,
	}
	f.coord = NewCoordinator(f.sessions, NewWorker(eng, cfg, quietLogger()), renderer, Options{
		RelayBuffer: 4,
		Archiver:    f.archive,
		Metrics:     f.metrics,
		Logger:      quietLogger(),
	})
	return f
}

func (f *fixture) handler(limiter *RateLimiter) *Handler {
	return NewHandler(f.coord, limiter, f.metrics, HandlerConfig{MaxRequestBodySize: 64})
}

func (f *fixture) last(t *testing.T) domain.HistoryEntry {
	t.Helper()
	last, ok := f.sessions.GetHistory(testUser).Last()
	require.True(t, ok)
	return last
}

func withUser(r *http.Request) *http.Request {
	return r.WithContext(identity.WithUser(r.Context(), testUser, testUsername))
}

func post(t *testing.T, h http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, withUser(httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))))
	return rec
}

func get(t *testing.T, h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, withUser(httptest.NewRequest(http.MethodGet, path, nil)))
	return rec
}

// frames splits an SSE body into its data payloads and reports whether the
// closing comment followed the last event.
func frames(body string) (data []string, closed bool) {
	for _, block := range strings.Split(body, "\n\n") {
		switch {
		case block == "":
		case block == ":":
			closed = true
		case strings.HasPrefix(block, "data: "):
			data = append(data, strings.TrimPrefix(block, "data: "))
		}
	}
	return data, closed
}

// brokenWriter fails every write after the first failAfter ones.
type brokenWriter struct {
	header    http.Header
	writes    int
	failAfter int
	onFail    func()
	failed    bool
}

func newBrokenWriter(failAfter int, onFail func()) *brokenWriter {
	return &brokenWriter{header: http.Header{}, failAfter: failAfter, onFail: onFail}
}

func (b *brokenWriter) Header() http.Header { return b.header }

func (b *brokenWriter) WriteHeader(int) {}

func (b *brokenWriter) Flush() {}

func (b *brokenWriter) Write(p []byte) (int, error) {
	b.writes++
	if b.writes <= b.failAfter {
		return len(p), nil
	}
	if !b.failed && b.onFail != nil {
		b.failed = true
		b.onFail()
	}
	return 0, errors.New("write: broken pipe")
}
