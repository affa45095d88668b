package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeycombio/otel-config-go/otelconfig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ConfabulousDev/chunkload/internal/db"
	"github.com/ConfabulousDev/chunkload/internal/logger"
	"github.com/ConfabulousDev/chunkload/internal/upload"
)

var workerTracer = otel.Tracer("chunkload/worker")

// Worker reopens assembly claims left behind by crashed assemblers and
// forgets old completed sessions and abandoned open ones.
type Worker struct {
	registry upload.SessionRegistry
	config   WorkerConfig
}

func NewWorker(registry upload.SessionRegistry, config WorkerConfig) *Worker {
	return &Worker{registry: registry, config: config}
}

// runWorker is the entry point for `server worker`. It needs the shared
// PostgreSQL registry; an in-memory registry is maintained in-process by
// the server itself.
func runWorker() {
	logger.Info("starting session maintenance worker")

	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		logger.Warn("failed to configure OpenTelemetry for worker", "error", err)
	} else {
		defer otelShutdown()
	}

	config, err := loadConfig(os.Getenv)
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}
	if config.DatabaseURL == "" {
		logger.Fatal("missing required env var", "var", "DATABASE_URL")
	}
	logger.Info("worker configuration loaded",
		"poll_interval", config.Worker.PollInterval,
		"assembly_lease_timeout", config.Worker.AssemblyLeaseTimeout,
		"outcome_retention", config.Worker.OutcomeRetention,
		"open_session_ttl", config.Worker.OpenSessionTTL,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	database, err := db.ConnectWithRetry(ctx, config.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer database.Close()

	NewWorker(database.Sessions(), config.Worker).Run(ctx)
	logger.Info("worker stopped")
}

// Run executes the maintenance loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Run immediately on startup
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// cycleResult counts the records one maintenance cycle touched.
type cycleResult struct {
	released   int // stale assembly claims reopened
	purgedDone int
	purgedOpen int
}

// runOnce executes a single maintenance cycle. A failure in one step does
// not skip the others.
func (w *Worker) runOnce(ctx context.Context) cycleResult {
	ctx, span := workerTracer.Start(ctx, "worker.run_once")
	defer span.End()

	var res cycleResult
	step := func(what string, fn func(context.Context, time.Duration) (int, error), window time.Duration) int {
		n, err := fn(ctx, window)
		if err != nil {
			logger.Error("maintenance step failed", "step", what, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return n
	}
	res.released = step("release stale claims", w.registry.ReleaseStale, w.config.AssemblyLeaseTimeout)
	res.purgedDone = step("purge completed sessions", w.registry.PurgeDone, w.config.OutcomeRetention)
	res.purgedOpen = step("purge idle open sessions", w.registry.PurgeOpen, w.config.OpenSessionTTL)

	span.SetAttributes(
		attribute.Int("sessions.released", res.released),
		attribute.Int("sessions.purged_done", res.purgedDone),
		attribute.Int("sessions.purged_open", res.purgedOpen),
	)
	if res.released > 0 || res.purgedDone > 0 || res.purgedOpen > 0 {
		logger.Info("maintenance cycle complete",
			"released", res.released, "purged_done", res.purgedDone, "purged_open", res.purgedOpen)
	} else {
		logger.Debug("maintenance cycle complete, nothing to do")
	}
	return res
}
