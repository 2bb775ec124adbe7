package chat

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/yai/internal/identity"
	"github.com/ashureev/yai/internal/render"
)

const defaultMaxRequestBodySize = 1 << 20

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	MaxRequestBodySize int64
	// OriginPatterns are accepted for the WebSocket stream. Empty accepts
	// only same-origin requests.
	OriginPatterns []string
}

// Handler exposes turns over HTTP.
type Handler struct {
	coord   *Coordinator
	limiter *RateLimiter
	metrics *Metrics
	cfg     HandlerConfig
}

// NewHandler creates a Handler. limiter and metrics may be nil.
func NewHandler(coord *Coordinator, limiter *RateLimiter, metrics *Metrics, cfg HandlerConfig) *Handler {
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	return &Handler{coord: coord, limiter: limiter, metrics: metrics, cfg: cfg}
}

// RegisterRoutes registers the chat routes (requires identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/messaging/", h.HandleSubmit)
	r.Get("/messaging/", h.HandleStream)
	r.Delete("/messaging/", h.HandleReset)
	r.Get("/messaging/ws", h.HandleWebSocket)
	r.Post("/message/", h.HandleMessage)
	r.Get("/history/", h.HandleHistory)
}

// readQuestion enforces identity, the rate limit and the body size limit.
// It writes the error response itself and returns ok=false on failure.
func (h *Handler) readQuestion(w http.ResponseWriter, r *http.Request) (userID, text string, ok bool) {
	userID = identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return "", "", false
	}

	if !h.limiter.Allow(userID) {
		h.metrics.rejected()
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return "", "", false
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return "", "", false
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return "", "", false
	}
	return userID, string(body), true
}

// HandleSubmit handles POST /messaging/. The raw body is the question.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, text, ok := h.readQuestion(w, r)
	if !ok {
		return
	}

	if h.coord.Submit(userID, text) {
		slog.Info("Question submitted",
			"user_id", userID,
			"request_id", chiMiddleware.GetReqID(r.Context()),
			"remote_ip", identity.IPFromRequest(r),
			"question_length", len(text),
		)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

// HandleStream handles GET /messaging/: it answers the pending question as an
// SSE stream with one frame per token. Without a pending question the
// response is empty.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	setSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	turn, ok := h.coord.Open(r.Context(), userID, identity.UsernameFromContext(r.Context()))
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	defer turn.Close()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		fragment, done, err := turn.Next(r.Context())
		if err != nil {
			slog.Warn("SSE stream stopped", "user_id", userID, "turn_id", turn.ID, "error", err)
			return
		}
		if done {
			if err := writeDone(w); err != nil {
				slog.Warn("failed to write SSE done event", "user_id", userID, "turn_id", turn.ID, "error", err)
				return
			}
			flusher.Flush()
			return
		}
		if err := writeData(w, render.SSEData(fragment)); err != nil {
			slog.Warn("SSE client disconnected", "user_id", userID, "turn_id", turn.ID, "error", err)
			return
		}
		flusher.Flush()
	}
}

// HandleMessage handles POST /message/: it answers the body synchronously and
// returns the rendered conversation.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	userID, text, ok := h.readQuestion(w, r)
	if !ok {
		return
	}

	fragment, err := h.coord.Ask(r.Context(), userID, identity.UsernameFromContext(r.Context()), text)
	switch {
	case errors.Is(err, ErrTurnInFlight):
		http.Error(w, `{"error": "an answer is already being generated"}`, http.StatusConflict)
		return
	case err != nil:
		slog.Warn("Message request ended early", "user_id", userID, "error", err)
		return
	}
	writeHTML(w, fragment)
}

// HandleHistory handles GET /history/.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	fragment, err := h.coord.Snapshot(userID)
	if err != nil {
		slog.Error("Failed to render history", "user_id", userID, "error", err)
		http.Error(w, `{"error": "failed to render history"}`, http.StatusInternalServerError)
		return
	}
	writeHTML(w, fragment)
}

// HandleReset handles DELETE /messaging/.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if err := h.coord.Reset(userID); err != nil {
		http.Error(w, `{"error": "an answer is already being generated"}`, http.StatusConflict)
		return
	}
	slog.Info("Conversation reset", "user_id", userID)
	w.WriteHeader(http.StatusNoContent)
}

func writeHTML(w http.ResponseWriter, fragment string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, fragment); err != nil {
		slog.Debug("failed to write html response", "error", err)
	}
}
