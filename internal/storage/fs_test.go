package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newFSChunkStore(t *testing.T, max int64) *FSChunkStore {
	t.Helper()
	s, err := NewFSChunkStore(filepath.Join(t.TempDir(), "chunks"), max)
	require.NoError(t, err)
	return s
}

func readChunk(t *testing.T, s ChunkStore, id string, index int) string {
	t.Helper()
	rc, size, err := s.Get(context.Background(), id, index)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
	return string(data)
}

func TestFSChunkStore_PutGetList(t *testing.T) {
	ctx := context.Background()
	s := newFSChunkStore(t, 1024)

	require.NoError(t, s.Put(ctx, "s1", 3, []byte("ccc")))
	require.NoError(t, s.Put(ctx, "s1", 1, []byte("a")))
	require.NoError(t, s.Put(ctx, "s1", 10, []byte("jj")))

	indices, err := s.ListIndices(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 10}, indices)
	assert.Equal(t, "ccc", readChunk(t, s, "s1", 3))
}

func TestFSChunkStore_OverwriteReplacesContent(t *testing.T) {
	ctx := context.Background()
	s := newFSChunkStore(t, 1024)

	require.NoError(t, s.Put(ctx, "s1", 1, []byte("first")))
	require.NoError(t, s.Put(ctx, "s1", 1, []byte("second")))

	assert.Equal(t, "second", readChunk(t, s, "s1", 1))
	indices, err := s.ListIndices(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, indices)
}

func TestFSChunkStore_UnknownSession(t *testing.T) {
	ctx := context.Background()
	s := newFSChunkStore(t, 1024)

	indices, err := s.ListIndices(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, indices)
	assert.NotNil(t, indices)

	_, _, err = s.Get(ctx, "nobody", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.DeleteSession(ctx, "nobody"))
}

func TestFSChunkStore_TooLarge(t *testing.T) {
	ctx := context.Background()
	s := newFSChunkStore(t, 4)

	err := s.Put(ctx, "s1", 1, []byte("12345"))
	require.ErrorIs(t, err, ErrChunkTooLarge)
	assert.False(t, errors.Is(err, ErrStorage))

	indices, err := s.ListIndices(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, indices)

	assert.NoError(t, s.CheckSize(4))
	assert.ErrorIs(t, s.CheckSize(5), ErrChunkTooLarge)
	assert.NoError(t, newFSChunkStore(t, 0).CheckSize(1<<40), "zero disables the limit")
}

func TestFSChunkStore_IgnoresTempFiles(t *testing.T) {
	ctx := context.Background()
	s := newFSChunkStore(t, 1024)
	require.NoError(t, s.Put(ctx, "s1", 2, []byte("b")))

	dir := s.sessionDir("s1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".chunk_00000001.tmp-999"), []byte("partial"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	indices, err := s.ListIndices(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []int{2}, indices)
}

func TestFSChunkStore_SessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newFSChunkStore(t, 1024)

	require.NoError(t, s.Put(ctx, "A", 1, []byte("upper")))
	require.NoError(t, s.Put(ctx, "a", 1, []byte("lower")))
	require.NoError(t, s.DeleteSession(ctx, "A"))

	indices, err := s.ListIndices(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, indices)
	assert.Equal(t, "lower", readChunk(t, s, "a", 1))
}

func TestFSChunkStore_ConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	s := newFSChunkStore(t, 1024)

	var g errgroup.Group
	for i := 1; i <= 50; i++ {
		g.Go(func() error {
			return s.Put(ctx, "s1", i, []byte(strings.Repeat("x", i)))
		})
	}
	require.NoError(t, g.Wait())

	indices, err := s.ListIndices(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, indices, 50)
}

func TestFSArtifactStore_CommitPublishes(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a, err := NewFSArtifactStore(root, "http://localhost:8080/uploads/")
	require.NoError(t, err)

	w, err := a.Create(ctx, "abc.bin")
	require.NoError(t, err)
	_, err = io.WriteString(w, "hello ")
	require.NoError(t, err)
	_, err = io.WriteString(w, "world")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "abc.bin"))
	assert.True(t, os.IsNotExist(err), "artifact must not be visible before commit")

	art, err := w.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, Artifact{Name: "abc.bin", URL: "http://localhost:8080/uploads/abc.bin", Size: 11}, art)

	data, err := os.ReadFile(filepath.Join(root, "abc.bin"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	_, err = w.Commit(ctx)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestFSArtifactStore_AbortLeavesNothing(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a, err := NewFSArtifactStore(root, "http://x")
	require.NoError(t, err)

	w, err := a.Create(ctx, "abc.bin")
	require.NoError(t, err)
	_, err = io.WriteString(w, "partial")
	require.NoError(t, err)
	require.NoError(t, w.Abort(ctx))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFSArtifactStore_RejectsPathNames(t *testing.T) {
	a, err := NewFSArtifactStore(t.TempDir(), "http://x")
	require.NoError(t, err)

	for _, name := range []string{"", "../evil", "a/b", ".hidden"} {
		_, err := a.Create(context.Background(), name)
		assert.Error(t, err, name)
	}
}

func TestFSArtifactStore_RemoveIsIdempotent(t *testing.T) {
	a, err := NewFSArtifactStore(t.TempDir(), "http://x")
	require.NoError(t, err)
	assert.NoError(t, a.Remove(context.Background(), "missing.bin"))
}
