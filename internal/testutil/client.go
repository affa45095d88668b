package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

// Chunk describes one multipart chunk submission.
type Chunk struct {
	SessionID string
	Index     int
	Total     int
	Filename  string
	Data      []byte
}

// NewChunkRequest builds a POST /upload/chunk multipart request against
// target, which may be a path (for httptest) or a full URL.
func NewChunkRequest(t *testing.T, target string, c Chunk) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"session_id":   c.SessionID,
		"chunk_number": strconv.Itoa(c.Index),
		"total_chunks": strconv.Itoa(c.Total),
		"filename":     c.Filename,
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("failed to write form field %s: %v", k, err)
		}
	}
	if c.Data != nil {
		fw, err := mw.CreateFormFile("chunk", "blob")
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := fw.Write(c.Data); err != nil {
			t.Fatalf("failed to write chunk data: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, target, &body)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// NewProgressRequest builds a POST /upload/progress form request.
func NewProgressRequest(t *testing.T, target, sessionID string) *http.Request {
	t.Helper()

	form := url.Values{"session_id": {sessionID}}
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// TestClient talks to a TestServer.
type TestClient struct {
	*http.Client
	t  *testing.T
	ts *TestServer
}

func NewTestClient(t *testing.T, ts *TestServer) *TestClient {
	return &TestClient{Client: &http.Client{Timeout: 10 * time.Second}, t: t, ts: ts}
}

// PostChunk sends one chunk and decodes the JSON response into out.
// Returns the status code.
func (c *TestClient) PostChunk(chunk Chunk, out any) int {
	c.t.Helper()
	return c.do(NewChunkRequest(c.t, c.ts.URL+"/upload/chunk", chunk), out)
}

// PostProgress queries progress and decodes the JSON response into out.
func (c *TestClient) PostProgress(sessionID string, out any) int {
	c.t.Helper()
	return c.do(NewProgressRequest(c.t, c.ts.URL+"/upload/progress", sessionID), out)
}

func (c *TestClient) do(req *http.Request, out any) int {
	c.t.Helper()

	resp, err := c.Do(req)
	if err != nil {
		c.t.Fatalf("request %s failed: %v", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("failed to read response: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			c.t.Fatalf("failed to decode response: %v. Body: %s", err, body)
		}
	}
	return resp.StatusCode
}
