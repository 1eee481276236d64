// Niya Bridge - conversation memory and agent lifecycle service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/niya-labs/niya-bridge/internal/agent"
	"github.com/niya-labs/niya-bridge/internal/api"
	"github.com/niya-labs/niya-bridge/internal/config"
	"github.com/niya-labs/niya-bridge/internal/lifecycle"
	"github.com/niya-labs/niya-bridge/internal/memory"
	"github.com/niya-labs/niya-bridge/internal/middleware"
	"github.com/niya-labs/niya-bridge/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting bridge",
		"port", cfg.Port,
		"reset_threshold", cfg.Lifecycle.ResetThreshold,
		"call_timeout", cfg.Lifecycle.CallTimeout)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	client := agent.NewHTTPClient(agent.HTTPClientConfig{
		BaseURL:        cfg.Agent.BaseURL,
		Token:          cfg.Agent.Token,
		Model:          cfg.Agent.Model,
		Embedding:      cfg.Agent.Embedding,
		RequestTimeout: cfg.Agent.RequestTimeout,
	}, logger)

	if err := client.Health(context.Background()); err != nil {
		slog.Warn("Agent service not reachable at startup, continuing anyway",
			"base_url", cfg.Agent.BaseURL, "error", err)
	} else {
		slog.Info("Agent service connected", "base_url", cfg.Agent.BaseURL)
	}

	synthesizer := memory.NewSynthesizer(repo, cfg.Persona)
	mgr := lifecycle.NewManager(repo, client, synthesizer, lifecycle.Config{
		ResetThreshold:   cfg.Lifecycle.ResetThreshold,
		FailureThreshold: cfg.Lifecycle.FailureThreshold,
		MaxAgentAge:      cfg.Lifecycle.MaxAgentAge,
		CallTimeout:      cfg.Lifecycle.CallTimeout,
		HealthInterval:   cfg.Lifecycle.HealthInterval,
	}, logger)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	api.NewHandler(repo, mgr, client).RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket chat connections stay open
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lifecycle.StartRetentionWorker(ctx, repo, mgr, cfg.SessionTTL)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// Release orphaned agent instances before exit.
	mgr.Cleanup(shutdownCtx)

	slog.Info("Server stopped successfully")
}
