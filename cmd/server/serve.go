package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/yai/internal/api"
	"github.com/ashureev/yai/internal/chat"
	"github.com/ashureev/yai/internal/config"
	"github.com/ashureev/yai/internal/engine"
	"github.com/ashureev/yai/internal/identity"
	"github.com/ashureev/yai/internal/middleware"
	"github.com/ashureev/yai/internal/render"
	"github.com/ashureev/yai/internal/session"
	"github.com/ashureev/yai/internal/store"
	"github.com/ashureev/yai/web"
)

const (
	archiveQueueSize  = 256
	retentionInterval = time.Hour
	shutdownTimeout   = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			slog.Error("Failed to load configuration", "error", err)
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "engine", cfg.Engine.Kind)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		return err
	}
	slog.Info("Database connected")

	eng, err := engine.New(ctx, cfg.Engine, logger)
	if err != nil {
		slog.Error("Failed to initialize engine", "error", err)
		return err
	}
	if closer, ok := eng.(engine.Closer); ok {
		defer func() {
			if closeErr := closer.Close(); closeErr != nil {
				slog.Error("Failed to close engine", "error", closeErr)
			}
		}()
	}
	slog.Info("Engine ready", "engine", eng.Name())

	renderer, err := render.New()
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	metrics := chat.NewMetrics(prometheus.DefaultRegisterer)
	sessions := session.NewMemoryStore()
	worker := chat.NewWorker(eng, chat.WorkerConfig{
		Timeout:       cfg.Engine.Timeout,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
	}, logger)

	opts := chat.Options{
		RelayBuffer: cfg.Stream.RelayBuffer,
		Metrics:     metrics,
		Logger:      logger,
	}
	if cfg.Transcripts {
		archiver := chat.NewStoreArchiver(repo, archiveQueueSize, metrics, logger)
		defer func() {
			if closeErr := archiver.Close(); closeErr != nil {
				slog.Error("Failed to flush transcripts", "error", closeErr)
			}
		}()
		opts.Archiver = archiver
	}
	coord := chat.NewCoordinator(sessions, worker, renderer, opts)

	limiter := chat.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Close()

	chatHandler := chat.NewHandler(coord, limiter, metrics, chat.HandlerConfig{
		MaxRequestBodySize: cfg.Stream.MaxRequestBodySize,
		OriginPatterns:     cfg.AllowedOrigins,
	})
	healthHandler := api.NewHealthHandler(repo, eng)
	accountHandler := api.NewAccountHandler(repo, eng.Name())

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
		accountHandler.RegisterRoutes(r)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE streams stay open for the whole answer, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	session.StartSweeper(ctx, sessions, cfg.Session.IdleTTL, cfg.Session.SweepInterval, logger)
	store.StartRetentionWorker(ctx, repo, cfg.TranscriptRetention, retentionInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}
