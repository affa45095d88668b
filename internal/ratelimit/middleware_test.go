package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ConfabulousDev/chunkload/internal/clientip"
)

func TestInMemoryLimiter_Burst(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newInMemoryLimiter(1, 3, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "a") {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	if l.Allow(ctx, "a") {
		t.Error("fourth request should be rejected")
	}
	if !l.Allow(ctx, "b") {
		t.Error("other key should have its own bucket")
	}

	now = now.Add(time.Second)
	if !l.Allow(ctx, "a") {
		t.Error("bucket should refill after one second")
	}
}

func TestInMemoryLimiter_Sweep(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newInMemoryLimiter(10, 10, func() time.Time { return now })
	ctx := context.Background()

	l.Allow(ctx, "old")
	now = now.Add(11 * time.Minute)
	l.Allow(ctx, "fresh")

	if removed := l.sweep(); removed != 1 {
		t.Errorf("sweep removed %d buckets, want 1", removed)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
}

func TestMiddleware(t *testing.T) {
	l := newInMemoryLimiter(0.001, 1, time.Now)
	handler := clientip.Middleware(Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/upload/chunk", nil)
		req.RemoteAddr = "192.0.2.1:4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("first request: status %d, want 200", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("second request: status %d, want 429", code)
	}
}
