// Package internal provides the main application initialization and runtime logic.
package internal

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
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/raido/internal/api"
	"github.com/starford/raido/internal/coordinator"
	"github.com/starford/raido/internal/mcpserver"
	"github.com/starford/raido/internal/sse"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger. In MCP mode stdout carries the
	// protocol, so logs move to stderr.
	logOut := os.Stdout
	if app.mcpMode {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.Int("debounce_ms", cfg.Store.DebounceMS),
		slog.Int("watch_window_ms", cfg.Store.WatchWindowMS),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure vault directory exists.
	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}

	// Build the coordinator: stores, persistence adapter, watcher.
	coord := coordinator.New(cfg.Vault.Path, logger,
		coordinator.WithDebounce(time.Duration(cfg.Store.DebounceMS)*time.Millisecond),
		coordinator.WithWindow(time.Duration(cfg.Store.WatchWindowMS)*time.Millisecond),
	)
	if err := coord.Initialize(ctx); err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}

	if app.mcpMode {
		return runMCP(coord, logger)
	}

	// SSE broker fed from store and conflict subscriptions.
	broker := sse.NewBroker()

	recordCh, unsubRecords := coord.SubscribeRecords()
	conflictCh, unsubConflicts := coord.SubscribeConflicts()
	go func() {
		for ev := range recordCh {
			broker.PublishRecordEvent("record."+string(ev.Type), ev)
		}
	}()
	go func() {
		for ev := range conflictCh {
			broker.PublishRecordEvent("conflict."+string(ev.Type), ev)
		}
	}()

	apiRouter := api.NewRouter(coord, cfg.Auth.AuthEnabled(), cfg.Auth.Token, http.HandlerFunc(broker.ServeHTTP))

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		// Stop watching, flush every pending record to disk, close stores.
		unsubRecords()
		unsubConflicts()
		if err := coord.Shutdown(); err != nil {
			logger.Error("Coordinator shutdown error", slog.String("error", err.Error()))
		}
		broker.Close()

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// runMCP serves tools over stdio until the transport closes, then flushes
// pending writes through the coordinator.
func runMCP(coord *coordinator.Coordinator, logger *slog.Logger) error {
	logger.Info("Starting MCP server on stdio")

	srv := mcpserver.New(coord)
	serveErr := srv.ServeStdio()

	if err := coord.Shutdown(); err != nil {
		logger.Error("Coordinator shutdown error", slog.String("error", err.Error()))
	}
	if serveErr != nil {
		return fmt.Errorf("MCP server error: %w", serveErr)
	}
	return nil
}
