// Package api exposes the chunk session engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ConfabulousDev/chunkload/internal/clientip"
	"github.com/ConfabulousDev/chunkload/internal/logger"
	"github.com/ConfabulousDev/chunkload/internal/ratelimit"
	"github.com/ConfabulousDev/chunkload/internal/upload"
)

// multipartOverhead is allowed on top of the max chunk size for form
// fields and multipart boundaries.
const multipartOverhead = 1 << 20

// progressBodyLimit bounds progress requests, which carry only a session id.
const progressBodyLimit = 64 << 10

// Engine is the upload engine as seen by the handlers.
type Engine interface {
	SubmitChunk(ctx context.Context, sub upload.ChunkSubmission) (upload.Outcome, error)
	Progress(ctx context.Context, sessionID string) (upload.Progress, error)
}

// Pinger reports backend health; the PostgreSQL registry implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds HTTP-facing settings.
type Config struct {
	MaxChunkSize   int64
	AllowedOrigins []string
	Limiter        ratelimit.Limiter // nil disables rate limiting
	Health         Pinger            // optional
	Version        string
}

// Server holds dependencies for API handlers
type Server struct {
	engine Engine
	cfg    Config
}

// NewServer creates a new API server
func NewServer(engine Engine, cfg Config) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Server{engine: engine, cfg: cfg}
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(clientip.Middleware)
	r.Use(logger.Middleware)
	r.Use(SpanEnricher)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Content-Encoding", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(newCompressor().Handler)
	// Inside the compressor so 4xx bodies are logged uncompressed.
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleRoot)

	r.Route("/upload", func(r chi.Router) {
		if s.cfg.Limiter != nil {
			r.Use(ratelimit.Middleware(s.cfg.Limiter))
		}
		r.Use(decompressMiddleware())
		r.Post("/chunk", withMaxBody(s.chunkBodyLimit(), s.handleChunk))
		r.Post("/progress", withMaxBody(progressBodyLimit, s.handleProgress))

		// resumable.js clients
		r.Post("/", withMaxBody(s.chunkBodyLimit(), s.handleResumableUpload))
		r.Get("/", s.handleResumableTest)
	})

	return r
}

func (s *Server) chunkBodyLimit() int64 {
	if s.cfg.MaxChunkSize <= 0 {
		return 0
	}
	return s.cfg.MaxChunkSize + multipartOverhead
}

// newCompressor compresses JSON responses with brotli or gzip, whichever
// the client prefers.
func newCompressor() *middleware.Compressor {
	c := middleware.NewCompressor(5, "application/json")
	c.SetEncoder("br", func(w io.Writer, level int) io.Writer {
		return brotli.NewWriterLevel(w, level)
	})
	return c
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health.Ping(r.Context()); err != nil {
			logger.Ctx(r.Context()).Error("health check failed", "error", err)
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRoot returns API info
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"service": "chunkload",
		"version": s.cfg.Version,
	})
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
