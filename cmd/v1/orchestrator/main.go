package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/parleyhq/parley/internal/v1/config"
	"github.com/parleyhq/parley/internal/v1/dispatch"
	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/provider"
	"github.com/parleyhq/parley/internal/v1/registry"
	"github.com/parleyhq/parley/internal/v1/server"
	"github.com/parleyhq/parley/internal/v1/store"
	"github.com/parleyhq/parley/internal/v1/tracing"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// --- Tracing (Optional) ---
	var tracerProvider *sdktrace.TracerProvider
	if cfg.OtelCollectorAddr != "" {
		tracerProvider, err = tracing.InitTracer(context.Background(), "orchestrator", cfg.OtelCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracer, continuing without tracing", "error", err)
			tracerProvider = nil
		} else {
			slog.Info("✅ OpenTelemetry tracing initialized", "collector", cfg.OtelCollectorAddr)
		}
	} else {
		slog.Info("Tracing disabled (OTEL_COLLECTOR_ADDR not set)")
	}

	// --- Chat Provider ---
	chatProvider := provider.NewOpenAIProvider(cfg.ChatProviderBaseURL, cfg.ChatProviderAPIKey)
	slog.Info("✅ Chat provider initialized", "base_url", cfg.ChatProviderBaseURL)

	// --- Core wiring ---
	st := store.NewMemoryStore()
	reg := registry.NewHandlerRegistry()
	disp := dispatch.NewDispatcher(st, reg, chatProvider, cfg.HistoryWindow)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.New(cfg, st, reg, disp, chatProvider).Router(),
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Orchestrator starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting connections, then cancel in-flight LLM tasks.
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}
	disp.Shutdown()

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			slog.Error("Failed to shut down tracer:", "error", err)
		}
	}

	slog.Info("Server exiting")
}
