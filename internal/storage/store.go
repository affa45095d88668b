// Package storage persists upload chunks and publishes assembled artifacts,
// on the local filesystem or on S3-compatible object storage.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chunkload/storage")

// ChunkStore holds the chunks of in-flight upload sessions, keyed by
// (session id, 1-based chunk index).
type ChunkStore interface {
	// Put stores a chunk, replacing any earlier content for the same index.
	// A reader never observes a partially written chunk.
	Put(ctx context.Context, sessionID string, index int, data []byte) error

	// ListIndices returns the stored indices in ascending order.
	// An unknown session yields an empty slice.
	ListIndices(ctx context.Context, sessionID string) ([]int, error)

	// Get streams one chunk. Returns ErrNotFound when absent.
	Get(ctx context.Context, sessionID string, index int) (io.ReadCloser, int64, error)

	// DeleteSession removes every chunk of the session. Idempotent.
	DeleteSession(ctx context.Context, sessionID string) error

	// CheckSize returns ErrChunkTooLarge when Put would reject a chunk of
	// size bytes, so callers can refuse it before touching any state.
	CheckSize(size int64) error
}

// Artifact describes a published, immutable assembled file.
type Artifact struct {
	Name string
	URL  string
	Size int64
}

// ArtifactWriter receives the bytes of one artifact. Nothing is visible
// under the final name until Commit succeeds.
type ArtifactWriter interface {
	io.Writer
	Commit(ctx context.Context) (Artifact, error)
	Abort(ctx context.Context) error
}

// ArtifactStore is the final area holding assembled files.
type ArtifactStore interface {
	Create(ctx context.Context, name string) (ArtifactWriter, error)
	URL(name string) string
	Remove(ctx context.Context, name string) error
}

// SessionKey is the storage partition for a session: the hex SHA-256 of
// the id. Distinct ids never share a partition, even on case-insensitive
// filesystems.
func SessionKey(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])
}

const chunkPrefix = "chunk_"

// chunkName formats a chunk index as a zero-padded object name so lexical
// order matches numeric order for indices below 10^8.
func chunkName(index int) string {
	return fmt.Sprintf("%s%08d", chunkPrefix, index)
}

// parseChunkName extracts the index from a chunk name (or a key ending in one).
// Temp files and foreign keys return ok=false.
func parseChunkName(key string) (int, bool) {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		key = key[i+1:]
	}
	digits, ok := strings.CutPrefix(key, chunkPrefix)
	if !ok || digits == "" {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func checkChunkSize(size, max int64) error {
	if max > 0 && size > max {
		return fmt.Errorf("%w: %s exceeds limit of %s",
			ErrChunkTooLarge, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(max)))
	}
	return nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
