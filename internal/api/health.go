package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/yai/internal/engine"
	"github.com/ashureev/yai/internal/store"
)

const defaultHealthCheckTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	engine  engine.Engine
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. eng is probed when it
// implements engine.Pinger.
func NewHealthHandler(repo store.Repository, eng engine.Engine) *HealthHandler {
	return &HealthHandler{repo: repo, engine: eng, timeout: defaultHealthCheckTimeout}
}

// Health returns the health status of the API and its dependencies.
// A database failure makes the service unavailable; an unreachable engine
// only degrades it since turns still complete with an error answer.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "dependency", "database", "error", err)
		status["status"] = "unhealthy"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.engine != nil {
		checks["engine"] = h.engine.Name()
		if pinger, ok := h.engine.(engine.Pinger); ok {
			if err := pinger.Ping(ctx); err != nil {
				slog.Warn("Health check failed", "dependency", "engine", "error", err)
				checks["engine"] = "unreachable"
				if statusCode == http.StatusOK {
					status["status"] = "degraded"
				}
			}
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
