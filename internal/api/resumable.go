package api

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/ConfabulousDev/chunkload/internal/upload"
)

// Resumable.js sends every chunk to one endpoint with the file in "file"
// and the chunk coordinates in resumable* fields.
const resumableFileField = "file"

// resumableFields maps engine field names to the resumable.js names.
var resumableFields = map[string]string{
	"session_id":   "resumableIdentifier",
	"chunk_number": "resumableChunkNumber",
	"total_chunks": "resumableTotalChunks",
	"filename":     "resumableFilename",
	"chunk":        resumableFileField,
}

// ResumableProgressResponse is returned for each non-final chunk.
type ResumableProgressResponse struct {
	Done   float64 `json:"done"` // percent of chunks stored
	Status bool    `json:"status"`
}

// ResumableCompleteResponse is returned once the file is assembled.
type ResumableCompleteResponse struct {
	Path string `json:"path"`
	URL  string `json:"url"`
	Name string `json:"name"`
}

// handleResumableUpload accepts one resumable.js chunk on the same engine
// as /upload/chunk.
func (s *Server) handleResumableUpload(w http.ResponseWriter, r *http.Request) {
	if !s.parseUploadForm(w, r) {
		return
	}
	defer removeMultipart(r)

	data, partName, err := s.readFormFile(r, resumableFileField)
	if err != nil {
		respondUploadError(w, r, err)
		return
	}
	if data == nil {
		respondError(w, http.StatusBadRequest, "No file uploaded.")
		return
	}

	sub, err := parseResumableCoordinates(r)
	if err != nil {
		respondResumableError(w, r, err)
		return
	}
	sub.Data = data
	if sub.Filename == "" {
		sub.Filename = partName
	}

	out, err := s.engine.SubmitChunk(r.Context(), sub)
	if err != nil {
		respondResumableError(w, r, err)
		return
	}
	if out.Completed && out.Result != nil {
		respondJSON(w, http.StatusOK, ResumableCompleteResponse{
			Path: "uploads/" + out.Result.Name,
			URL:  out.Result.URL,
			Name: out.Result.Name,
		})
		return
	}

	p, err := s.engine.Progress(r.Context(), sub.SessionID)
	if err != nil {
		respondResumableError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ResumableProgressResponse{Done: p.PercentDone(), Status: true})
}

// handleResumableTest answers resumable.js testChunks requests: 200 when the
// chunk is already stored (or the file is assembled), 204 otherwise.
func (s *Server) handleResumableTest(w http.ResponseWriter, r *http.Request) {
	sub, err := parseResumableCoordinates(r)
	if err == nil {
		err = upload.ValidateSessionID(sub.SessionID)
	}
	if err != nil {
		respondResumableError(w, r, err)
		return
	}

	p, err := s.engine.Progress(r.Context(), sub.SessionID)
	if err != nil {
		respondResumableError(w, r, err)
		return
	}
	if p.Completed || slices.Contains(p.Uploaded, sub.Index) {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseResumableCoordinates(r *http.Request) (upload.ChunkSubmission, error) {
	var errs []error
	intField := func(name string) int {
		raw := strings.TrimSpace(r.FormValue(name))
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, &upload.ValidationError{Field: name, Message: "must be an integer"})
		}
		return n
	}

	sub := upload.ChunkSubmission{
		SessionID: r.FormValue("resumableIdentifier"),
		Filename:  r.FormValue("resumableFilename"),
		Index:     intField("resumableChunkNumber"),
		Total:     intField("resumableTotalChunks"),
	}
	return sub, errors.Join(errs...)
}

// respondResumableError reports validation failures under the resumable.js
// field names and defers everything else to respondUploadError.
func respondResumableError(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, upload.ErrValidation) {
		respondUploadError(w, r, err)
		return
	}
	fields := make(map[string]string)
	for name, msg := range upload.FieldErrors(err) {
		if renamed, ok := resumableFields[name]; ok {
			name = renamed
		}
		fields[name] = msg
	}
	respondJSON(w, http.StatusUnprocessableEntity, ValidationErrorResponse{
		Error:  "validation failed",
		Fields: fields,
	})
}
