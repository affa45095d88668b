package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/ConfabulousDev/chunkload/internal/storage"
	"github.com/ConfabulousDev/chunkload/internal/upload"
)

const (
	backendFS = "fs"
	backendS3 = "s3"
)

// Config is the server configuration, read from the environment.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	EnablePprof  bool

	StorageBackend string // fs or s3
	ChunkRoot      string
	FinalRoot      string
	MaxChunkSize   int64
	PublicBaseURL  string
	S3Config       storage.S3Config

	DatabaseURL    string // empty selects the in-memory registry
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int

	Worker WorkerConfig
}

// WorkerConfig holds configuration for the session maintenance worker.
type WorkerConfig struct {
	PollInterval         time.Duration
	AssemblyLeaseTimeout time.Duration // assembling claims not renewed for this long are reopened
	OutcomeRetention     time.Duration // done records older than this are purged
	OpenSessionTTL       time.Duration // open records idle this long are purged
}

// loadConfig reads configuration through getenv (os.Getenv in production).
// Every problem is reported, not just the first.
func loadConfig(getenv func(string) string) (Config, error) {
	var errs []error
	env := func(name, def string) string {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			return v
		}
		return def
	}
	duration := func(name string, def time.Duration) time.Duration {
		raw := env(name, "")
		if raw == "" {
			return def
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", name, raw))
			return def
		}
		return d
	}

	cfg := Config{
		ReadTimeout:    duration("HTTP_READ_TIMEOUT", 60*time.Second),
		WriteTimeout:   duration("HTTP_WRITE_TIMEOUT", 60*time.Second),
		EnablePprof:    getenv("ENABLE_PPROF") == "true",
		StorageBackend: strings.ToLower(env("STORAGE_BACKEND", backendFS)),
		ChunkRoot:      env("CHUNK_ROOT", "storage/temp/chunks"),
		FinalRoot:      env("FINAL_ROOT", "storage/uploads"),
		DatabaseURL:    env("DATABASE_URL", ""),
		Worker: WorkerConfig{
			PollInterval:         duration("WORKER_POLL_INTERVAL", time.Minute),
			AssemblyLeaseTimeout: duration("ASSEMBLY_LEASE_TIMEOUT", 15*time.Minute),
			OutcomeRetention:     duration("OUTCOME_RETENTION", 24*time.Hour),
			OpenSessionTTL:       duration("OPEN_SESSION_TTL", 7*24*time.Hour),
		},
	}

	port, err := strconv.Atoi(env("PORT", "8080"))
	if err != nil || port <= 0 || port > 65535 {
		errs = append(errs, fmt.Errorf("PORT: invalid port %q", getenv("PORT")))
	}
	cfg.Port = port

	// Binary units: "10MB" is 10 MiB, matching how clients slice files.
	size, err := units.RAMInBytes(env("MAX_CHUNK_SIZE", "10MB"))
	if err != nil || size <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CHUNK_SIZE: invalid size %q", getenv("MAX_CHUNK_SIZE")))
	}
	cfg.MaxChunkSize = size

	cfg.PublicBaseURL = strings.TrimRight(env("PUBLIC_BASE_URL", fmt.Sprintf("http://localhost:%d/uploads", cfg.Port)), "/")

	switch cfg.StorageBackend {
	case backendFS:
	case backendS3:
		cfg.S3Config = storage.S3Config{
			Endpoint:        env("S3_ENDPOINT", ""),
			AccessKeyID:     env("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: env("AWS_SECRET_ACCESS_KEY", ""),
			BucketName:      env("BUCKET_NAME", ""),
			UseSSL:          getenv("S3_USE_SSL") != "false", // Default true
		}
		for name, v := range map[string]string{
			"S3_ENDPOINT":           cfg.S3Config.Endpoint,
			"AWS_ACCESS_KEY_ID":     cfg.S3Config.AccessKeyID,
			"AWS_SECRET_ACCESS_KEY": cfg.S3Config.SecretAccessKey,
			"BUCKET_NAME":           cfg.S3Config.BucketName,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("%s: required when STORAGE_BACKEND=s3", name))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND: unknown backend %q (want fs or s3)", cfg.StorageBackend))
	}

	for _, origin := range strings.Split(env("ALLOWED_ORIGINS", "*"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	// Rate limiting is off unless RATE_LIMIT_RPS is set.
	if raw := env("RATE_LIMIT_RPS", ""); raw != "" {
		rps, err := strconv.ParseFloat(raw, 64)
		if err != nil || rps <= 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS: invalid rate %q", raw))
		}
		cfg.RateLimitRPS = rps
	}
	burst, err := strconv.Atoi(env("RATE_LIMIT_BURST", "20"))
	if err != nil || burst <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST: invalid burst %q", getenv("RATE_LIMIT_BURST")))
	}
	cfg.RateLimitBurst = burst

	if minLease := 3 * upload.LeaseRenewInterval; cfg.Worker.AssemblyLeaseTimeout < minLease {
		errs = append(errs, fmt.Errorf("ASSEMBLY_LEASE_TIMEOUT: must be at least %v, claims are renewed every %v",
			minLease, upload.LeaseRenewInterval))
	}

	return cfg, errors.Join(errs...)
}
