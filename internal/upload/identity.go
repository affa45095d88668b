package upload

import (
	"errors"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MaxSessionIDLength bounds session ids in bytes
	MaxSessionIDLength = 255

	// MaxFilenameLength bounds client filenames in bytes
	MaxFilenameLength = 255

	// MaxTotalChunks caps the declared chunk count of a session.
	// Keeps listings and assembly loops bounded for hostile totals.
	MaxTotalChunks = 100_000

	maxExtensionLength = 16
)

// ValidateSessionID checks a client-supplied session id. Ids are opaque but
// restricted to [A-Za-z0-9._-] so they are safe in logs and headers; storage
// never uses them verbatim as a path component.
func ValidateSessionID(id string) error {
	switch {
	case id == "":
		return invalidField("session_id", "is required")
	case len(id) > MaxSessionIDLength:
		return invalidField("session_id", "must be at most %d bytes", MaxSessionIDLength)
	case !utf8.ValidString(id):
		return invalidField("session_id", "must be valid UTF-8")
	case id == "." || id == "..":
		return invalidField("session_id", "must not be %q", id)
	}
	for _, r := range id {
		if !isIDRune(r) {
			return invalidField("session_id", "may only contain letters, digits, '.', '_' and '-'")
		}
	}
	return nil
}

func isIDRune(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '.' || r == '_' || r == '-'
}

// ValidateFilename checks the client's original file name. It is only ever
// reported back, never used to build a path.
func ValidateFilename(name string) error {
	switch {
	case name == "":
		return invalidField("filename", "is required")
	case len(name) > MaxFilenameLength:
		return invalidField("filename", "must be at most %d bytes", MaxFilenameLength)
	case !utf8.ValidString(name):
		return invalidField("filename", "must be valid UTF-8")
	case strings.ContainsRune(name, 0):
		return invalidField("filename", "must not contain NUL bytes")
	}
	return nil
}

// ArtifactName derives a collision-resistant published name from the
// client's file name: a random token plus the sanitized extension.
//
//	ArtifactName("../../Report.PDF") => "3f2a...9c.pdf"
func ArtifactName(original string) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return token + sanitizeExtension(original)
}

// sanitizeExtension returns ".ext" lowercased when ext is 1..16 ASCII
// letters or digits, otherwise "".
func sanitizeExtension(name string) string {
	// Treat backslashes as separators too so "a\\b.exe" keeps only ".exe".
	name = strings.ReplaceAll(name, "\\", "/")
	ext := strings.ToLower(path.Ext(path.Base(name)))
	if len(ext) < 2 || len(ext) > maxExtensionLength+1 {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}

// ChunkSubmission is one chunk request.
type ChunkSubmission struct {
	SessionID string
	Index     int
	Total     int
	Filename  string
	Data      []byte
}

// Validate reports every malformed field at once, joined.
func (s ChunkSubmission) Validate() error {
	var errs []error
	if err := ValidateSessionID(s.SessionID); err != nil {
		errs = append(errs, err)
	}
	if err := ValidateFilename(s.Filename); err != nil {
		errs = append(errs, err)
	}
	if s.Index < 1 {
		errs = append(errs, invalidField("chunk_number", "must be at least 1"))
	}
	switch {
	case s.Total < 1:
		errs = append(errs, invalidField("total_chunks", "must be at least 1"))
	case s.Total > MaxTotalChunks:
		errs = append(errs, invalidField("total_chunks", "must be at most %d", MaxTotalChunks))
	}
	if s.Data == nil {
		errs = append(errs, invalidField("chunk", "is required"))
	}
	return errors.Join(errs...)
}
