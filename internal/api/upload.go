package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ConfabulousDev/chunkload/internal/logger"
	"github.com/ConfabulousDev/chunkload/internal/storage"
	"github.com/ConfabulousDev/chunkload/internal/upload"
)

// ChunkAcceptedResponse is returned for a stored, non-final chunk.
type ChunkAcceptedResponse struct {
	Success bool   `json:"success"`
	Chunk   int    `json:"chunk"`
	Message string `json:"message"`
}

// UploadCompleteResponse is returned once the artifact is published.
type UploadCompleteResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	URL          string `json:"url"`
	Size         int64  `json:"size"`
	Name         string `json:"name"`
	OriginalName string `json:"original_name"`
}

// ProgressResponse lists stored chunks. Session totals are only present
// once the session is known.
type ProgressResponse struct {
	UploadedChunks []int    `json:"uploaded_chunks"`
	TotalUploaded  int      `json:"total_uploaded"`
	TotalChunks    *int     `json:"total_chunks,omitempty"`
	PercentDone    *float64 `json:"percent_done,omitempty"`
	Completed      bool     `json:"completed,omitempty"`
	URL            string   `json:"url,omitempty"`
}

// ValidationErrorResponse carries field-level messages.
type ValidationErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields"`
}

// handleChunk accepts one multipart chunk:
// session_id, chunk_number, total_chunks, filename and the chunk file.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if !s.parseUploadForm(w, r) {
		return
	}
	defer removeMultipart(r)

	sub, err := s.parseChunkForm(r)
	if err != nil {
		respondUploadError(w, r, err)
		return
	}

	out, err := s.engine.SubmitChunk(r.Context(), sub)
	if err != nil {
		respondUploadError(w, r, err)
		return
	}

	if out.Completed && out.Result != nil {
		respondJSON(w, http.StatusOK, UploadCompleteResponse{
			Success:      true,
			Message:      "File uploaded successfully",
			URL:          out.Result.URL,
			Size:         out.Result.Size,
			Name:         out.Result.Name,
			OriginalName: out.Result.OriginalName,
		})
		return
	}
	respondJSON(w, http.StatusOK, ChunkAcceptedResponse{
		Success: true,
		Chunk:   out.Chunk,
		Message: "Chunk uploaded successfully",
	})
}

// parseUploadForm parses a multipart or urlencoded upload body. A body that
// is not multipart is accepted so missing fields surface as validation
// errors. Returns false after writing an error response.
func (s *Server) parseUploadForm(w http.ResponseWriter, r *http.Request) bool {
	err := r.ParseMultipartForm(s.multipartMemory())
	if err == nil || errors.Is(err, http.ErrNotMultipart) {
		return true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	respondError(w, http.StatusBadRequest, "invalid multipart form")
	return false
}

func removeMultipart(r *http.Request) {
	if r.MultipartForm != nil {
		_ = r.MultipartForm.RemoveAll()
	}
}

func (s *Server) multipartMemory() int64 {
	if s.cfg.MaxChunkSize > 0 {
		return s.cfg.MaxChunkSize + multipartOverhead
	}
	return 32 << 20
}

// parseChunkForm turns the form into a submission. Integer parse failures
// are reported as validation errors alongside the engine's own checks.
func (s *Server) parseChunkForm(r *http.Request) (upload.ChunkSubmission, error) {
	var errs []error
	intField := func(name string) int {
		raw := strings.TrimSpace(r.FormValue(name))
		if raw == "" {
			errs = append(errs, &upload.ValidationError{Field: name, Message: "is required"})
			return 0
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, &upload.ValidationError{Field: name, Message: "must be an integer"})
			return 0
		}
		return n
	}

	sub := upload.ChunkSubmission{
		SessionID: r.FormValue("session_id"),
		Filename:  r.FormValue("filename"),
		Index:     intField("chunk_number"),
		Total:     intField("total_chunks"),
	}

	data, _, err := s.readFormFile(r, "chunk")
	if err != nil {
		return sub, err
	}
	// A nil Data is reported by Validate.
	sub.Data = data

	if len(errs) > 0 {
		if err := sub.Validate(); err != nil {
			errs = append(errs, err)
		}
		return sub, errors.Join(errs...)
	}
	return sub, nil
}

// readFormFile reads an uploaded part. A missing part, or a body that is not
// multipart at all, yields nil data and no error.
func (s *Server) readFormFile(r *http.Request, field string) ([]byte, string, error) {
	file, header, err := r.FormFile(field)
	switch {
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
		return nil, "", nil
	case err != nil:
		return nil, "", fmt.Errorf("read %s: %w", field, err)
	}
	defer file.Close()

	limit := s.cfg.MaxChunkSize
	if limit <= 0 {
		limit = s.multipartMemory()
	}
	// Read one byte past the limit so the store can reject oversize chunks.
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", field, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, header.Filename, nil
}

// handleProgress reports the chunks stored for session_id (form or query).
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	sessionID := r.FormValue("session_id")

	p, err := s.engine.Progress(r.Context(), sessionID)
	if err != nil {
		respondUploadError(w, r, err)
		return
	}

	resp := ProgressResponse{
		UploadedChunks: p.Uploaded,
		TotalUploaded:  p.Count,
	}
	if p.Total > 0 {
		total, pct := p.Total, p.PercentDone()
		resp.TotalChunks = &total
		resp.PercentDone = &pct
	}
	if p.Completed {
		resp.Completed = true
		if p.Result != nil {
			resp.URL = p.Result.URL
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// respondUploadError maps engine errors to status codes.
func respondUploadError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.Ctx(r.Context())

	switch {
	case errors.Is(err, upload.ErrValidation):
		log.Info("upload rejected", "reason", "validation", "error", err)
		respondJSON(w, http.StatusUnprocessableEntity, ValidationErrorResponse{
			Error:  "validation failed",
			Fields: upload.FieldErrors(err),
		})
	case errors.Is(err, storage.ErrChunkTooLarge):
		log.Info("upload rejected", "reason", "too_large", "error", err)
		respondError(w, http.StatusRequestEntityTooLarge, "chunk too large")
	case errors.Is(err, upload.ErrInvalidChunk), errors.Is(err, upload.ErrIncompleteSession):
		log.Info("upload rejected", "reason", "conflict", "error", err)
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, upload.ErrClaimLost),
		errors.Is(err, storage.ErrNetworkError), errors.Is(err, storage.ErrAccessDenied):
		log.Error("storage unavailable", "error", err)
		respondError(w, http.StatusServiceUnavailable, "storage temporarily unavailable, retry the chunk")
	default:
		log.Error("upload failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}
