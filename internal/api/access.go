package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ConfabulousDev/chunkload/internal/logger"
)

// Maximum length for error messages in logs
const maxErrorMessageLength = 200

// accessLog logs one structured line per request on the request-scoped
// logger (so req_id and client_ip come along). 4xx lines carry the error
// message from the response body; 5xx bodies are never logged.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		var errBody strings.Builder
		ww.Tee(&limitedWriter{w: &errBody, n: maxErrorMessageLength + 50})

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", humanize.IBytes(uint64(ww.BytesWritten())),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if r.ContentLength > 0 {
			attrs = append(attrs, "request_size", humanize.IBytes(uint64(r.ContentLength)))
		}
		if status >= 400 && status < 500 {
			if msg := extractErrorMessage(errBody.String()); msg != "" {
				attrs = append(attrs, "err", msg)
			}
		}
		if ua := r.Header.Get("User-Agent"); ua != "" {
			attrs = append(attrs, "ua", truncate(sanitizeLogValue(ua), 100))
		}

		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		}
		logger.Ctx(r.Context()).Log(r.Context(), level, "request", attrs...)
	})
}

// limitedWriter keeps at most n bytes and silently drops the rest.
type limitedWriter struct {
	w *strings.Builder
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if room := l.n - l.w.Len(); room > 0 {
		if len(p) > room {
			l.w.Write(p[:room])
		} else {
			l.w.Write(p)
		}
	}
	return len(p), nil
}

// sanitizeLogValue replaces control characters to prevent log injection.
func sanitizeLogValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return ' '
		}
		return r
	}, s)
}

// extractErrorMessage pulls "error" out of a JSON body, falling back to
// the trimmed text.
func extractErrorMessage(body string) string {
	var jsonErr struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(body)
	if err := json.Unmarshal([]byte(body), &jsonErr); err == nil && jsonErr.Error != "" {
		msg = jsonErr.Error
	}
	return truncate(sanitizeLogValue(msg), maxErrorMessageLength)
}

func truncate(s string, max int) string {
	if runes := []rune(s); len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return s
}
