package upload

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ConfabulousDev/chunkload/internal/logger"
	"github.com/ConfabulousDev/chunkload/internal/storage"
)

// Result describes a published artifact.
type Result struct {
	URL          string
	Size         int64
	Name         string // published name
	OriginalName string // client-supplied name, reported only
	Chunks       int
}

// Assembler concatenates a session's chunks into one artifact.
type Assembler struct {
	chunks    storage.ChunkStore
	artifacts storage.ArtifactStore
	nameFunc  func(original string) string
}

func NewAssembler(chunks storage.ChunkStore, artifacts storage.ArtifactStore) *Assembler {
	return &Assembler{chunks: chunks, artifacts: artifacts, nameFunc: ArtifactName}
}

// Assemble streams chunks 1..total, in order, into a new artifact and
// commits it. Only after the commit are the session's chunks deleted.
// On any failure the partial artifact is aborted and the chunks are left
// untouched so assembly can be retried.
func (a *Assembler) Assemble(ctx context.Context, sessionID, filename string, total int) (Result, error) {
	ctx, span := tracer.Start(ctx, "upload.assemble",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("chunks.total", total),
		))
	defer span.End()

	name := a.nameFunc(filename)
	w, err := a.artifacts.Create(ctx, name)
	if err != nil {
		return Result{}, fail(span, storageErr("create artifact", err))
	}

	abort := func(cause error) (Result, error) {
		if abortErr := w.Abort(context.WithoutCancel(ctx)); abortErr != nil {
			logger.Ctx(ctx).Error("failed to abort partial artifact",
				"session_id", sessionID, "artifact", name, "error", abortErr)
		}
		return Result{}, fail(span, cause)
	}

	size, err := a.concat(ctx, w, sessionID, total)
	if err == nil && ctx.Err() != nil {
		err = storageErr("assemble", context.Cause(ctx))
	}
	if err != nil {
		return abort(err)
	}

	artifact, err := w.Commit(ctx)
	if err != nil {
		// Writers clean up after a failed commit; Abort covers those that do not.
		return abort(storageErr("commit artifact", err))
	}

	// The artifact is published; a leftover chunk directory is only garbage.
	if err := a.chunks.DeleteSession(ctx, sessionID); err != nil {
		logger.Ctx(ctx).Error("failed to delete chunks after assembly",
			"session_id", sessionID, "error", err)
	}

	span.SetAttributes(attribute.Int64("artifact.size", artifact.Size))
	logger.Ctx(ctx).Info("upload assembled",
		"session_id", sessionID,
		"artifact", artifact.Name,
		"chunks", total,
		"size", humanize.IBytes(uint64(size)))

	return Result{
		URL:          artifact.URL,
		Size:         artifact.Size,
		Name:         artifact.Name,
		OriginalName: filename,
		Chunks:       total,
	}, nil
}

func (a *Assembler) concat(ctx context.Context, w io.Writer, sessionID string, total int) (int64, error) {
	var size int64
	for i := 1; i <= total; i++ {
		if ctx.Err() != nil {
			return size, storageErr("assemble", context.Cause(ctx))
		}

		rc, _, err := a.chunks.Get(ctx, sessionID, i)
		if errors.Is(err, storage.ErrNotFound) {
			return size, a.incomplete(ctx, sessionID, total)
		}
		if err != nil {
			return size, storageErr(fmt.Sprintf("read chunk %d", i), err)
		}

		n, err := io.Copy(w, rc)
		_ = rc.Close()
		size += n
		if err != nil {
			return size, storageErr(fmt.Sprintf("append chunk %d", i), err)
		}
	}
	return size, nil
}

func (a *Assembler) incomplete(ctx context.Context, sessionID string, total int) error {
	indices, err := a.chunks.ListIndices(ctx, sessionID)
	if err != nil {
		return storageErr("list chunks", err)
	}
	return fmt.Errorf("%w: missing chunks %v", ErrIncompleteSession, Missing(indices, total))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
