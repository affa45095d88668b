// Package upload implements the chunk session engine: it records chunks of
// an upload session as they arrive in any order, detects when every chunk
// is present and assembles the final artifact exactly once.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ConfabulousDev/chunkload/internal/logger"
	"github.com/ConfabulousDev/chunkload/internal/storage"
)

var tracer = otel.Tracer("chunkload/upload")

// LeaseRenewInterval is how often a running assembly renews its claim.
// Registry lease timeouts must be several times longer.
const LeaseRenewInterval = time.Minute

// Options configures a filesystem-backed engine.
type Options struct {
	ChunkRoot     string // temporary area, one directory per session
	FinalRoot     string // published artifacts
	PublicBaseURL string // artifacts are served at <PublicBaseURL>/<name>
	MaxChunkSize  int64  // bytes; 0 disables the limit
}

// Outcome is the engine's answer to one chunk submission.
type Outcome struct {
	Chunk     int
	Completed bool
	Result    *Result // set when Completed
}

// Progress reports the chunks currently stored for a session.
type Progress struct {
	Uploaded  []int // ascending
	Count     int
	Total     int  // 0 when the registry does not know the session
	Completed bool // the session was assembled and its chunks removed
	Result    *Result
}

// Engine coordinates the chunk store, the session registry and the assembler.
type Engine struct {
	chunks     storage.ChunkStore
	registry   SessionRegistry
	tracker    *Tracker
	assembler  *Assembler
	renewEvery time.Duration
}

func NewEngine(chunks storage.ChunkStore, artifacts storage.ArtifactStore, registry SessionRegistry) *Engine {
	return &Engine{
		chunks:     chunks,
		registry:   registry,
		tracker:    NewTracker(),
		assembler:  NewAssembler(chunks, artifacts),
		renewEvery: LeaseRenewInterval,
	}
}

// NewLocalEngine builds an engine over the local filesystem.
func NewLocalEngine(opts Options, registry SessionRegistry) (*Engine, error) {
	chunks, err := storage.NewFSChunkStore(opts.ChunkRoot, opts.MaxChunkSize)
	if err != nil {
		return nil, err
	}
	artifacts, err := storage.NewFSArtifactStore(opts.FinalRoot, opts.PublicBaseURL)
	if err != nil {
		return nil, err
	}
	return NewEngine(chunks, artifacts, registry), nil
}

// SubmitChunk stores one chunk and, if it completes the session, assembles
// the artifact. Re-submitting an index replaces its content. Submissions
// for a session that is already assembled return the recorded result
// without writing anything. A rejected submission leaves no session state
// behind.
func (e *Engine) SubmitChunk(ctx context.Context, sub ChunkSubmission) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "upload.submit_chunk",
		trace.WithAttributes(
			attribute.String("session.id", sub.SessionID),
			attribute.Int("chunk.index", sub.Index),
			attribute.Int("chunks.total", sub.Total),
			attribute.Int("chunk.size", len(sub.Data)),
		))
	defer span.End()

	if err := sub.Validate(); err != nil {
		return Outcome{}, fail(span, err)
	}
	if sub.Index > sub.Total {
		return Outcome{}, fail(span, fmt.Errorf("%w: chunk %d is outside 1..%d", ErrInvalidChunk, sub.Index, sub.Total))
	}
	if err := e.chunks.CheckSize(int64(len(sub.Data))); err != nil {
		return Outcome{}, fail(span, storageErr(fmt.Sprintf("put chunk %d", sub.Index), err))
	}
	ctx = logger.With(ctx, "session_id", sub.SessionID)

	sess, err := e.registry.Open(ctx, sub.SessionID, sub.Total)
	if err != nil {
		return Outcome{}, fail(span, storageErr("open session", err))
	}
	if sess.TotalChunks != sub.Total {
		return Outcome{}, fail(span, fmt.Errorf("%w: total_chunks %d does not match session total %d",
			ErrInvalidChunk, sub.Total, sess.TotalChunks))
	}
	if sess.Status == StatusDone {
		return recorded(sub.Index, &sess), nil
	}

	done, err := e.put(ctx, sub)
	if err != nil {
		e.forgetIfEmpty(context.WithoutCancel(ctx), sub.SessionID)
		return Outcome{}, fail(span, err)
	}
	if done != nil {
		return recorded(sub.Index, done), nil
	}

	out, err := e.complete(ctx, sub)
	if err != nil {
		return Outcome{}, fail(span, err)
	}
	span.SetAttributes(attribute.Bool("upload.completed", out.Completed))
	return out, nil
}

// put writes the chunk under the shared session lock. If the session was
// assembled while we waited, nothing is written and the done record is
// returned instead.
func (e *Engine) put(ctx context.Context, sub ChunkSubmission) (*Session, error) {
	unlock := e.tracker.RLock(sub.SessionID)
	defer unlock()

	sess, err := e.registry.Get(ctx, sub.SessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		// Purged between Open and here; the chunk starts the session over.
		if _, err := e.registry.Open(ctx, sub.SessionID, sub.Total); err != nil {
			return nil, storageErr("open session", err)
		}
	case err != nil:
		return nil, storageErr("get session", err)
	case sess.Status == StatusDone:
		return sess, nil
	}

	if err := e.chunks.Put(ctx, sub.SessionID, sub.Index, sub.Data); err != nil {
		return nil, storageErr(fmt.Sprintf("put chunk %d", sub.Index), err)
	}
	logger.Ctx(ctx).Debug("chunk stored", "chunk", sub.Index, "total", sub.Total, "bytes", len(sub.Data))
	return nil, nil
}

// forgetIfEmpty drops an open session that holds no chunk after a failed
// write, so a rejected first chunk leaves no record behind.
func (e *Engine) forgetIfEmpty(ctx context.Context, sessionID string) {
	unlock := e.tracker.Lock(sessionID)
	defer unlock()

	sess, err := e.registry.Get(ctx, sessionID)
	if err != nil || sess.Status != StatusOpen {
		return
	}
	indices, err := e.chunks.ListIndices(ctx, sessionID)
	if err != nil || len(indices) > 0 {
		return
	}
	if err := e.registry.Delete(ctx, sessionID); err != nil {
		logger.Ctx(ctx).Error("failed to drop empty session", "error", err)
	}
}

// complete runs the completion check under the exclusive session lock and
// assembles when this caller wins the registry claim.
func (e *Engine) complete(ctx context.Context, sub ChunkSubmission) (Outcome, error) {
	unlock := e.tracker.Lock(sub.SessionID)
	defer unlock()

	accepted := Outcome{Chunk: sub.Index}

	sess, err := e.registry.Get(ctx, sub.SessionID)
	if err != nil {
		return Outcome{}, storageErr("get session", err)
	}
	switch sess.Status {
	case StatusDone:
		return recorded(sub.Index, sess), nil
	case StatusAssembling:
		// Another process holds the claim.
		return accepted, nil
	}

	indices, err := e.chunks.ListIndices(ctx, sub.SessionID)
	if err != nil {
		return Outcome{}, storageErr("list chunks", err)
	}
	if !IsComplete(indices, sess.TotalChunks) {
		return accepted, nil
	}

	token, claimed, err := e.registry.Claim(ctx, sub.SessionID)
	if err != nil {
		return Outcome{}, storageErr("claim session", err)
	}
	if !claimed {
		return accepted, nil
	}

	// A client disconnect must not abandon an assembly that has started;
	// only losing the claim cancels it.
	detached := context.WithoutCancel(ctx)
	assembleCtx, cancel := context.WithCancelCause(detached)
	defer cancel(nil)

	stopRenew := e.renewClaim(assembleCtx, sub.SessionID, token, cancel)
	result, err := e.assembler.Assemble(assembleCtx, sub.SessionID, sub.Filename, sess.TotalChunks)
	stopRenew()
	if err != nil {
		if errors.Is(context.Cause(assembleCtx), ErrClaimLost) {
			logger.Ctx(ctx).Warn("assembly claim lost, aborted", "error", err)
			return Outcome{}, storageErr("assemble", ErrClaimLost)
		}
		if relErr := e.registry.Release(detached, sub.SessionID, token); relErr != nil {
			logger.Ctx(ctx).Error("failed to release assembly claim", "error", relErr)
		}
		return Outcome{}, err
	}

	if err := e.registry.Complete(detached, sub.SessionID, token, result); err != nil {
		// The artifact is already published and the chunks are gone, so
		// the caller gets the result.
		logger.Ctx(ctx).Error("failed to record assembled session", "url", result.URL, "error", err)
	}
	return Outcome{Chunk: sub.Index, Completed: true, Result: &result}, nil
}

// renewClaim keeps the assembly claim alive until the returned stop func is
// called. If the registry reports the claim lost, ctx is cancelled with
// ErrClaimLost so the assembly aborts before publishing.
func (e *Engine) renewClaim(ctx context.Context, sessionID, token string, cancel context.CancelCauseFunc) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := e.registry.Renew(ctx, sessionID, token)
				switch {
				case errors.Is(err, ErrClaimLost):
					cancel(ErrClaimLost)
					return
				case err != nil:
					logger.Ctx(ctx).Warn("failed to renew assembly claim", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Progress reports which chunks of a session are stored. An unknown
// session yields an empty report, not an error, so clients can check
// before resuming.
func (e *Engine) Progress(ctx context.Context, sessionID string) (Progress, error) {
	ctx, span := tracer.Start(ctx, "upload.progress",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if err := ValidateSessionID(sessionID); err != nil {
		return Progress{}, fail(span, err)
	}

	indices, err := e.chunks.ListIndices(ctx, sessionID)
	if err != nil {
		return Progress{}, fail(span, storageErr("list chunks", err))
	}
	p := Progress{Uploaded: indices, Count: len(indices)}
	if p.Uploaded == nil {
		p.Uploaded = []int{}
	}

	sess, err := e.registry.Get(ctx, sessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
	case err != nil:
		return Progress{}, fail(span, storageErr("get session", err))
	default:
		p.Total = sess.TotalChunks
		if sess.Status == StatusDone {
			p.Completed = true
			p.Result = sess.Result
		}
	}
	return p, nil
}

// PercentDone is the share of chunks stored, 0..100. Completed sessions
// report 100 even though their chunks are gone.
func (p Progress) PercentDone() float64 {
	switch {
	case p.Completed:
		return 100
	case p.Total == 0:
		return 0
	}
	return float64(p.Count) * 100 / float64(p.Total)
}

func recorded(index int, sess *Session) Outcome {
	return Outcome{Chunk: index, Completed: true, Result: sess.Result}
}
