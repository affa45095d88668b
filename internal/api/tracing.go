package api

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ConfabulousDev/chunkload/internal/clientip"
)

// SpanEnricher adds request id and client address to the otelhttp span.
// Must run after middleware.RequestID and clientip.Middleware.
func SpanEnricher(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span := trace.SpanFromContext(r.Context())
		if span.IsRecording() {
			if reqID := middleware.GetReqID(r.Context()); reqID != "" {
				span.SetAttributes(attribute.String("http.request_id", reqID))
			}
			if ip := clientip.FromRequest(r).Primary; ip != "" {
				span.SetAttributes(attribute.String("client.address", ip))
			}
		}
		next.ServeHTTP(w, r)
	})
}
