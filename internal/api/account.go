package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/yai/internal/identity"
	"github.com/ashureev/yai/internal/store"
)

const maxTranscriptPage = 200

// AccountHandler serves the current user's profile and archived turns.
type AccountHandler struct {
	repo       store.Repository
	engineName string
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(repo store.Repository, engineName string) *AccountHandler {
	return &AccountHandler{repo: repo, engineName: engineName}
}

// RegisterRoutes registers the account routes (requires identity middleware).
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/transcripts", h.ListTranscripts)
		r.Delete("/transcripts", h.DeleteTranscripts)
	})
}

// GetMe returns the current user's information.
func (h *AccountHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user.UserID,
		"username":     user.Username,
		"created_at":   user.CreatedAt.UTC().Format(time.RFC3339),
		"last_seen_at": user.LastSeenAt.UTC().Format(time.RFC3339),
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *AccountHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"engine": h.engineName,
	})
}

type transcriptView struct {
	TurnID       string `json:"turn_id"`
	Question     string `json:"question"`
	Answer       string `json:"answer"`
	Status       string `json:"status"`
	Tokens       int    `json:"tokens"`
	Disconnected bool   `json:"disconnected"`
	StartedAt    string `json:"started_at"`
	DurationMS   int64  `json:"duration_ms"`
}

// ListTranscripts returns the user's archived turns, newest first.
// The optional limit query parameter caps the page size.
func (h *AccountHandler) ListTranscripts(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTranscriptPage)
	}

	transcripts, err := h.repo.ListTranscripts(r.Context(), userID, limit)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load transcripts")
		return
	}

	out := make([]transcriptView, 0, len(transcripts))
	for _, t := range transcripts {
		out = append(out, transcriptView{
			TurnID:       t.TurnID,
			Question:     t.Question,
			Answer:       t.Answer,
			Status:       string(t.Status),
			Tokens:       t.Tokens,
			Disconnected: t.Disconnected,
			StartedAt:    t.StartedAt.UTC().Format(time.RFC3339Nano),
			DurationMS:   t.Duration().Milliseconds(),
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"transcripts": out})
}

// DeleteTranscripts removes the user's archived turns.
func (h *AccountHandler) DeleteTranscripts(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	deleted, err := h.repo.DeleteTranscripts(r.Context(), userID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to delete transcripts")
		return
	}
	JSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
