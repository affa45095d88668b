package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	dirMode  = 0o750
	fileMode = 0o640
)

// FSChunkStore keeps chunks under <root>/<sessionKey>/chunk_<index>.
type FSChunkStore struct {
	root         string
	maxChunkSize int64
}

// NewFSChunkStore creates the chunk root if needed.
func NewFSChunkStore(root string, maxChunkSize int64) (*FSChunkStore, error) {
	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create chunk root: %w", err)
	}
	return &FSChunkStore{root: root, maxChunkSize: maxChunkSize}, nil
}

func (s *FSChunkStore) CheckSize(size int64) error {
	return checkChunkSize(size, s.maxChunkSize)
}

func (s *FSChunkStore) sessionDir(sessionID string) string {
	return filepath.Join(s.root, SessionKey(sessionID))
}

func (s *FSChunkStore) Put(ctx context.Context, sessionID string, index int, data []byte) error {
	_, span := tracer.Start(ctx, "storage.put_chunk",
		trace.WithAttributes(
			attribute.String("storage.backend", "fs"),
			attribute.String("session.id", sessionID),
			attribute.Int("chunk.index", index),
			attribute.Int("chunk.size", len(data)),
		))
	defer span.End()

	if err := s.CheckSize(int64(len(data))); err != nil {
		return fail(span, err)
	}

	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fail(span, classifyStorageError(err, "put chunk"))
	}
	if err := writeFileAtomic(filepath.Join(dir, chunkName(index)), data, fileMode); err != nil {
		return fail(span, classifyStorageError(err, "put chunk"))
	}
	return nil
}

func (s *FSChunkStore) ListIndices(ctx context.Context, sessionID string) ([]int, error) {
	_, span := tracer.Start(ctx, "storage.list_chunks",
		trace.WithAttributes(
			attribute.String("storage.backend", "fs"),
			attribute.String("session.id", sessionID),
		))
	defer span.End()

	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return []int{}, nil
	}
	if err != nil {
		return nil, fail(span, classifyStorageError(err, "list chunks"))
	}

	indices := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if n, ok := parseChunkName(e.Name()); ok {
			indices = append(indices, n)
		}
	}
	slices.Sort(indices)
	indices = slices.Compact(indices)

	span.SetAttributes(attribute.Int("chunks.count", len(indices)))
	return indices, nil
}

func (s *FSChunkStore) Get(ctx context.Context, sessionID string, index int) (io.ReadCloser, int64, error) {
	_, span := tracer.Start(ctx, "storage.get_chunk",
		trace.WithAttributes(
			attribute.String("storage.backend", "fs"),
			attribute.String("session.id", sessionID),
			attribute.Int("chunk.index", index),
		))
	defer span.End()

	f, err := os.Open(filepath.Join(s.sessionDir(sessionID), chunkName(index)))
	if err != nil {
		return nil, 0, fail(span, classifyStorageError(err, "get chunk"))
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fail(span, classifyStorageError(err, "get chunk"))
	}
	return f, info.Size(), nil
}

func (s *FSChunkStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, span := tracer.Start(ctx, "storage.delete_session_chunks",
		trace.WithAttributes(
			attribute.String("storage.backend", "fs"),
			attribute.String("session.id", sessionID),
		))
	defer span.End()

	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fail(span, classifyStorageError(err, "delete session chunks"))
	}
	return nil
}

// FSArtifactStore publishes artifacts as files under root, served at baseURL.
type FSArtifactStore struct {
	root    string
	baseURL string
}

// NewFSArtifactStore creates the final root if needed.
func NewFSArtifactStore(root, baseURL string) (*FSArtifactStore, error) {
	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create final root: %w", err)
	}
	return &FSArtifactStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *FSArtifactStore) URL(name string) string {
	return s.baseURL + "/" + name
}

// Create opens a hidden temp file next to the final path; Commit renames it.
func (s *FSArtifactStore) Create(ctx context.Context, name string) (ArtifactWriter, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("create artifact: invalid name %q: %w", name, ErrStorage)
	}
	f, err := os.CreateTemp(s.root, "."+name+".tmp-*")
	if err != nil {
		return nil, classifyStorageError(err, "create artifact")
	}
	return &fsArtifactWriter{store: s, name: name, file: f}, nil
}

func (s *FSArtifactStore) Remove(ctx context.Context, name string) error {
	err := os.Remove(filepath.Join(s.root, filepath.Base(name)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classifyStorageError(err, "remove artifact")
	}
	return nil
}

type fsArtifactWriter struct {
	store *FSArtifactStore
	name  string
	file  *os.File
	size  int64
	done  bool
}

func (w *fsArtifactWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, classifyStorageError(err, "write artifact")
	}
	return n, nil
}

func (w *fsArtifactWriter) Commit(ctx context.Context) (Artifact, error) {
	_, span := tracer.Start(ctx, "storage.commit_artifact",
		trace.WithAttributes(
			attribute.String("storage.backend", "fs"),
			attribute.String("artifact.name", w.name),
			attribute.Int64("artifact.size", w.size),
		))
	defer span.End()

	if w.done {
		return Artifact{}, fail(span, fmt.Errorf("commit artifact %s: writer already closed: %w", w.name, ErrStorage))
	}
	w.done = true
	tempPath := w.file.Name()

	err := w.file.Sync()
	if err == nil {
		err = w.file.Chmod(fileMode)
	}
	if closeErr := w.file.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tempPath, filepath.Join(w.store.root, w.name))
	}
	if err != nil {
		_ = os.Remove(tempPath)
		return Artifact{}, fail(span, classifyStorageError(err, "commit artifact"))
	}
	syncDir(w.store.root)

	return Artifact{Name: w.name, URL: w.store.URL(w.name), Size: w.size}, nil
}

func (w *fsArtifactWriter) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.file.Close()
	if err := os.Remove(w.file.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classifyStorageError(err, "abort artifact")
	}
	return nil
}

// writeFileAtomic writes content to a temp file in the destination
// directory, syncs it and renames it over path.
func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)

	tmp, err := os.CreateTemp(parent, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	committed = true

	syncDir(parent)
	return nil
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
}
