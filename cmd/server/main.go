package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ConfabulousDev/chunkload/internal/api"
	"github.com/ConfabulousDev/chunkload/internal/db"
	"github.com/ConfabulousDev/chunkload/internal/logger"
	"github.com/ConfabulousDev/chunkload/internal/ratelimit"
	"github.com/ConfabulousDev/chunkload/internal/storage"
	"github.com/ConfabulousDev/chunkload/internal/upload"
)

var version string

func main() {
	// Check for worker mode
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		runWorker()
		return
	}

	config, err := loadConfig(os.Getenv)
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	// Start pprof debug server if enabled (for memory/CPU profiling)
	if config.EnablePprof {
		go startPprofServer()
	}

	// Configured via env vars: OTEL_SERVICE_NAME, OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_HEADERS
	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		logger.Warn("failed to configure OpenTelemetry", "error", err)
		// Non-fatal: continue without tracing if OTEL env vars not set
	} else {
		defer otelShutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, health, closeRegistry := openRegistry(ctx, config)
	defer closeRegistry()

	engine, err := buildEngine(ctx, config, registry)
	if err != nil {
		logger.Fatal("failed to initialize storage", "backend", config.StorageBackend, "error", err)
	}

	apiConfig := api.Config{
		MaxChunkSize:   config.MaxChunkSize,
		AllowedOrigins: config.AllowedOrigins,
		Health:         health,
		Version:        version,
	}
	if config.RateLimitRPS > 0 {
		limiter := ratelimit.NewInMemoryLimiter(config.RateLimitRPS, config.RateLimitBurst)
		defer limiter.Stop()
		apiConfig.Limiter = limiter
	}

	server := api.NewServer(engine, apiConfig)
	handler := otelhttp.NewHandler(server.SetupRoutes(), "chunkload")

	// Without a shared database nobody else maintains the registry.
	if config.DatabaseURL == "" {
		go NewWorker(registry, config.Worker).Run(ctx)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server",
			"port", config.Port,
			"version", version,
			"storage", config.StorageBackend,
			"max_chunk_size", humanize.IBytes(uint64(config.MaxChunkSize)),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
}

// openRegistry returns the PostgreSQL registry when DATABASE_URL is set,
// migrating the schema first, and the in-memory registry otherwise.
func openRegistry(ctx context.Context, config Config) (upload.SessionRegistry, api.Pinger, func()) {
	if config.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory session registry (single instance only)")
		return upload.NewMemoryRegistry(), nil, func() {}
	}

	database, err := db.ConnectWithRetry(ctx, config.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	if err := db.Migrate(database.Conn()); err != nil {
		logger.Fatal("failed to run migrations", "error", err)
	}
	return database.Sessions(), database, func() { _ = database.Close() }
}

// buildEngine wires the chunk and artifact stores for the configured backend.
func buildEngine(ctx context.Context, config Config, registry upload.SessionRegistry) (*upload.Engine, error) {
	switch config.StorageBackend {
	case backendS3:
		client, err := storage.NewS3Client(ctx, config.S3Config)
		if err != nil {
			return nil, err
		}
		bucket := config.S3Config.BucketName
		return upload.NewEngine(
			storage.NewS3ChunkStore(client, bucket, config.MaxChunkSize),
			storage.NewS3ArtifactStore(client, bucket, config.PublicBaseURL),
			registry,
		), nil
	default:
		return upload.NewLocalEngine(upload.Options{
			ChunkRoot:     config.ChunkRoot,
			FinalRoot:     config.FinalRoot,
			PublicBaseURL: config.PublicBaseURL,
			MaxChunkSize:  config.MaxChunkSize,
		}, registry)
	}
}

// startPprofServer starts a pprof debug server on localhost:6060.
// This server is only accessible locally (127.0.0.1).
func startPprofServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	addr := "127.0.0.1:6060"
	logger.Info("pprof debug server starting", "addr", addr)

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("pprof server failed", "error", err)
	}
}
