package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConfabulousDev/chunkload/internal/ratelimit"
	"github.com/ConfabulousDev/chunkload/internal/storage"
	"github.com/ConfabulousDev/chunkload/internal/testutil"
	"github.com/ConfabulousDev/chunkload/internal/upload"
)

const testMaxChunk = 1024

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	root := t.TempDir()
	engine, err := upload.NewLocalEngine(upload.Options{
		ChunkRoot:     filepath.Join(root, "temp", "chunks"),
		FinalRoot:     filepath.Join(root, "uploads"),
		PublicBaseURL: "http://localhost:8080/uploads",
		MaxChunkSize:  testMaxChunk,
	}, upload.NewMemoryRegistry())
	require.NoError(t, err)

	return NewServer(engine, Config{MaxChunkSize: testMaxChunk, Version: "test"}).SetupRoutes()
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response: %v. Body: %s", err, w.Body.String())
	}
	return v
}

func chunkReq(t *testing.T, id string, index, total int, data string) *http.Request {
	return testutil.NewChunkRequest(t, "/upload/chunk", testutil.Chunk{
		SessionID: id, Index: index, Total: total, Filename: "clip.MOV", Data: []byte(data),
	})
}

func TestHealthAndRoot(t *testing.T) {
	h := newTestHandler(t)

	w := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])

	w = serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "chunkload", decode[map[string]string](t, w)["service"])
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

func TestHealthReportsBackendFailure(t *testing.T) {
	h := NewServer(nil, Config{Health: failingPinger{}}).SetupRoutes()
	w := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestChunkUpload_ScenarioS1(t *testing.T) {
	h := newTestHandler(t)

	w := serve(h, chunkReq(t, "s1", 2, 3, "bb"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, ChunkAcceptedResponse{Success: true, Chunk: 2, Message: "Chunk uploaded successfully"},
		decode[ChunkAcceptedResponse](t, w))

	w = serve(h, chunkReq(t, "s1", 3, 3, "ccc"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, decode[ChunkAcceptedResponse](t, w).Chunk)

	w = serve(h, testutil.NewProgressRequest(t, "/upload/progress", "s1"))
	require.Equal(t, http.StatusOK, w.Code)
	p := decode[ProgressResponse](t, w)
	assert.Equal(t, []int{2, 3}, p.UploadedChunks)
	assert.Equal(t, 2, p.TotalUploaded)
	require.NotNil(t, p.TotalChunks)
	assert.Equal(t, 3, *p.TotalChunks)
	require.NotNil(t, p.PercentDone)
	assert.InDelta(t, 66.67, *p.PercentDone, 0.01)

	w = serve(h, chunkReq(t, "s1", 1, 3, "a"))
	require.Equal(t, http.StatusOK, w.Code)
	done := decode[UploadCompleteResponse](t, w)
	assert.True(t, done.Success)
	assert.Equal(t, "File uploaded successfully", done.Message)
	assert.Equal(t, int64(6), done.Size)
	assert.Equal(t, "clip.MOV", done.OriginalName)
	assert.Regexp(t, `^http://localhost:8080/uploads/[0-9a-f]{32}\.mov$`, done.URL)

	w = serve(h, testutil.NewProgressRequest(t, "/upload/progress", "s1"))
	p = decode[ProgressResponse](t, w)
	assert.Equal(t, []int{}, p.UploadedChunks)
	assert.Equal(t, 0, p.TotalUploaded)
	assert.True(t, p.Completed)
	assert.Equal(t, done.URL, p.URL)
}

func TestProgress_UnknownSessionIsEmpty(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/upload/progress?session_id=fresh", nil)
	w := serve(h, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"uploaded_chunks":[],"total_uploaded":0}`, w.Body.String())
}

func TestChunkUpload_ErrorMapping(t *testing.T) {
	h := newTestHandler(t)

	tests := []struct {
		name       string
		req        func(t *testing.T) *http.Request
		wantStatus int
		wantField  string
	}{
		{
			name:       "index beyond total",
			req:        func(t *testing.T) *http.Request { return chunkReq(t, "s2", 5, 3, "x") },
			wantStatus: http.StatusConflict,
		},
		{
			name:       "bad session id",
			req:        func(t *testing.T) *http.Request { return chunkReq(t, "../../etc", 1, 1, "x") },
			wantStatus: http.StatusUnprocessableEntity,
			wantField:  "session_id",
		},
		{
			name: "chunk number below one",
			req: func(t *testing.T) *http.Request {
				return testutil.NewChunkRequest(t, "/upload/chunk", testutil.Chunk{SessionID: "s3", Total: 1, Filename: "a", Data: []byte("x")})
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantField:  "chunk_number",
		},
		{
			name: "missing chunk file",
			req: func(t *testing.T) *http.Request {
				return testutil.NewChunkRequest(t, "/upload/chunk", testutil.Chunk{SessionID: "s3", Index: 1, Total: 1, Filename: "a"})
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantField:  "chunk",
		},
		{
			name: "chunk over max size",
			req: func(t *testing.T) *http.Request {
				return chunkReq(t, "s4", 1, 2, string(make([]byte, testMaxChunk+1)))
			},
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name: "empty body",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/upload/chunk", nil)
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantField:  "chunk",
		},
		{
			name: "urlencoded form without chunk",
			req: func(t *testing.T) *http.Request {
				form := url.Values{
					"session_id":   {"s7"},
					"chunk_number": {"1"},
					"total_chunks": {"1"},
					"filename":     {"a.bin"},
				}
				req := httptest.NewRequest(http.MethodPost, "/upload/chunk", strings.NewReader(form.Encode()))
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				return req
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantField:  "chunk",
		},
		{
			name: "malformed multipart",
			req: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/upload/chunk", strings.NewReader("garbage"))
				req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
				return req
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(h, tt.req(t))
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantField != "" {
				resp := decode[ValidationErrorResponse](t, w)
				assert.Equal(t, "validation failed", resp.Error)
				assert.Contains(t, resp.Fields, tt.wantField)
			}
		})
	}
}

func TestChunkUpload_TotalMismatchIsConflict(t *testing.T) {
	h := newTestHandler(t)
	require.Equal(t, http.StatusOK, serve(h, chunkReq(t, "s5", 1, 3, "a")).Code)

	w := serve(h, chunkReq(t, "s5", 2, 4, "b"))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestChunkUpload_BodyLimit(t *testing.T) {
	h := newTestHandler(t)
	big := make([]byte, testMaxChunk+multipartOverhead+1)
	w := serve(h, chunkReq(t, "s6", 1, 1, string(big)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

type stubEngine struct {
	err error
}

func (s stubEngine) SubmitChunk(context.Context, upload.ChunkSubmission) (upload.Outcome, error) {
	return upload.Outcome{}, s.err
}

func (s stubEngine) Progress(context.Context, string) (upload.Progress, error) {
	return upload.Progress{}, s.err
}

func TestRespondUploadError_StorageStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("put: %w: %w", upload.ErrStorage, storage.ErrNetworkError), http.StatusServiceUnavailable},
		{fmt.Errorf("put: %w: %w", upload.ErrStorage, storage.ErrAccessDenied), http.StatusServiceUnavailable},
		{fmt.Errorf("put: %w: %w", upload.ErrStorage, storage.ErrStorage), http.StatusInternalServerError},
		{fmt.Errorf("%w: missing chunks [2]", upload.ErrIncompleteSession), http.StatusConflict},
		{fmt.Errorf("assemble: %w: %w", upload.ErrStorage, upload.ErrClaimLost), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := NewServer(stubEngine{err: tt.err}, Config{}).SetupRoutes()
			w := serve(h, testutil.NewProgressRequest(t, "/upload/progress", "s1"))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestUploadRoutesAreRateLimited(t *testing.T) {
	limiter := ratelimit.NewInMemoryLimiter(0.001, 2)
	t.Cleanup(limiter.Stop)
	h := NewServer(stubEngine{}, Config{Limiter: limiter}).SetupRoutes()

	for i := 0; i < 2; i++ {
		w := serve(h, testutil.NewProgressRequest(t, "/upload/progress", "s1"))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := serve(h, testutil.NewProgressRequest(t, "/upload/progress", "s1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Health is outside the limited group.
	w = serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

