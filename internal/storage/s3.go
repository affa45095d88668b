package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	s3ChunkRoot    = "chunks/"
	s3ArtifactRoot = "uploads/"

	// artifactPartSize bounds the memory minio buffers per multipart part
	// when streaming an artifact of unknown length.
	artifactPartSize = 16 << 20
)

// errArtifactAborted terminates an in-flight artifact stream.
var errArtifactAborted = errors.New("artifact aborted")

// S3Config holds S3/MinIO configuration
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
}

// NewS3Client creates a minio client and verifies the bucket exists.
// The bucket must be created out-of-band.
func NewS3Client(ctx context.Context, config S3Config) (*minio.Client, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, config.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist: create it before starting the server", config.BucketName)
	}
	return client, nil
}

// S3ChunkStore keeps chunks at chunks/<sessionKey>/chunk_<index> in one bucket.
// PutObject replaces objects atomically, so no temp keys are needed.
type S3ChunkStore struct {
	client       *minio.Client
	bucket       string
	maxChunkSize int64
}

func NewS3ChunkStore(client *minio.Client, bucket string, maxChunkSize int64) *S3ChunkStore {
	return &S3ChunkStore{client: client, bucket: bucket, maxChunkSize: maxChunkSize}
}

func (s *S3ChunkStore) CheckSize(size int64) error {
	return checkChunkSize(size, s.maxChunkSize)
}

func (s *S3ChunkStore) prefix(sessionID string) string {
	return s3ChunkRoot + SessionKey(sessionID) + "/"
}

func (s *S3ChunkStore) Put(ctx context.Context, sessionID string, index int, data []byte) error {
	ctx, span := tracer.Start(ctx, "storage.put_chunk",
		trace.WithAttributes(
			attribute.String("storage.backend", "s3"),
			attribute.String("session.id", sessionID),
			attribute.Int("chunk.index", index),
			attribute.Int("chunk.size", len(data)),
		))
	defer span.End()

	if err := s.CheckSize(int64(len(data))); err != nil {
		return fail(span, err)
	}

	key := s.prefix(sessionID) + chunkName(index)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fail(span, classifyStorageError(err, "put chunk"))
	}
	return nil
}

func (s *S3ChunkStore) ListIndices(ctx context.Context, sessionID string) ([]int, error) {
	ctx, span := tracer.Start(ctx, "storage.list_chunks",
		trace.WithAttributes(
			attribute.String("storage.backend", "s3"),
			attribute.String("session.id", sessionID),
		))
	defer span.End()

	indices := []int{}
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix(sessionID),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fail(span, classifyStorageError(obj.Err, "list chunks"))
		}
		if n, ok := parseChunkName(obj.Key); ok {
			indices = append(indices, n)
		}
	}
	slices.Sort(indices)
	indices = slices.Compact(indices)

	span.SetAttributes(attribute.Int("chunks.count", len(indices)))
	return indices, nil
}

func (s *S3ChunkStore) Get(ctx context.Context, sessionID string, index int) (io.ReadCloser, int64, error) {
	ctx, span := tracer.Start(ctx, "storage.get_chunk",
		trace.WithAttributes(
			attribute.String("storage.backend", "s3"),
			attribute.String("session.id", sessionID),
			attribute.Int("chunk.index", index),
		))
	defer span.End()

	obj, err := s.client.GetObject(ctx, s.bucket, s.prefix(sessionID)+chunkName(index), minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fail(span, classifyStorageError(err, "get chunk"))
	}
	// GetObject is lazy; Stat surfaces NoSuchKey.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, 0, fail(span, classifyStorageError(err, "get chunk"))
	}
	return obj, info.Size, nil
}

func (s *S3ChunkStore) DeleteSession(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "storage.delete_session_chunks",
		trace.WithAttributes(
			attribute.String("storage.backend", "s3"),
			attribute.String("session.id", sessionID),
		))
	defer span.End()

	return deletePrefix(ctx, span, s.client, s.bucket, s.prefix(sessionID))
}

// deletePrefix removes every object under prefix using batched deletes.
func deletePrefix(ctx context.Context, span trace.Span, client *minio.Client, bucket, prefix string) error {
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var listErr error
	objects := make(chan minio.ObjectInfo)
	listDone := make(chan struct{})
	go func() {
		defer close(listDone)
		defer close(objects)
		for obj := range client.ListObjects(listCtx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			select {
			case objects <- obj:
			case <-listCtx.Done():
				return
			}
		}
	}()

	deleted := 0
	var removeErr error
	for res := range client.RemoveObjects(ctx, bucket, objects, minio.RemoveObjectsOptions{}) {
		if res.Err != nil && removeErr == nil {
			removeErr = res.Err
		}
		if res.Err == nil {
			deleted++
		}
	}
	cancel()
	<-listDone
	span.SetAttributes(attribute.Int("chunks.deleted", deleted))

	if listErr != nil {
		return fail(span, classifyStorageError(listErr, "list session chunks"))
	}
	if removeErr != nil {
		return fail(span, classifyStorageError(removeErr, "delete session chunks"))
	}
	return nil
}

// S3ArtifactStore publishes artifacts at uploads/<name>, served at baseURL.
type S3ArtifactStore struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

func NewS3ArtifactStore(client *minio.Client, bucket, baseURL string) *S3ArtifactStore {
	return &S3ArtifactStore{client: client, bucket: bucket, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *S3ArtifactStore) URL(name string) string {
	return s.baseURL + "/" + name
}

// Create starts a streaming PutObject fed through an io.Pipe. The object
// only becomes visible when the upload completes in Commit.
func (s *S3ArtifactStore) Create(ctx context.Context, name string) (ArtifactWriter, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("create artifact: invalid name %q: %w", name, ErrStorage)
	}

	pr, pw := io.Pipe()
	w := &s3ArtifactWriter{store: s, name: name, pw: pw, result: make(chan putResult, 1)}

	go func() {
		info, err := s.client.PutObject(ctx, s.bucket, s3ArtifactRoot+name, pr, -1, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			PartSize:    artifactPartSize,
		})
		// Unblock any pending Write if PutObject bailed early.
		_ = pr.CloseWithError(err)
		w.result <- putResult{size: info.Size, err: err}
	}()

	return w, nil
}

func (s *S3ArtifactStore) Remove(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s3ArtifactRoot+name, minio.RemoveObjectOptions{})
	if err != nil {
		classified := classifyStorageError(err, "remove artifact")
		if errors.Is(classified, ErrNotFound) {
			return nil
		}
		return classified
	}
	return nil
}

type putResult struct {
	size int64
	err  error
}

type s3ArtifactWriter struct {
	store  *S3ArtifactStore
	name   string
	pw     *io.PipeWriter
	result chan putResult
	size   int64
	done   bool
}

func (w *s3ArtifactWriter) Write(p []byte) (int, error) {
	n, err := w.pw.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, classifyStorageError(err, "write artifact")
	}
	return n, nil
}

func (w *s3ArtifactWriter) Commit(ctx context.Context) (Artifact, error) {
	ctx, span := tracer.Start(ctx, "storage.commit_artifact",
		trace.WithAttributes(
			attribute.String("storage.backend", "s3"),
			attribute.String("artifact.name", w.name),
			attribute.Int64("artifact.size", w.size),
		))
	defer span.End()

	if w.done {
		return Artifact{}, fail(span, fmt.Errorf("commit artifact %s: writer already closed: %w", w.name, ErrStorage))
	}
	w.done = true

	_ = w.pw.Close()
	select {
	case res := <-w.result:
		if res.err != nil {
			return Artifact{}, fail(span, classifyStorageError(res.err, "commit artifact"))
		}
		if res.size != w.size {
			_ = w.store.Remove(context.WithoutCancel(ctx), w.name)
			return Artifact{}, fail(span, fmt.Errorf("commit artifact %s: stored %d bytes, wrote %d: %w",
				w.name, res.size, w.size, ErrStorage))
		}
	case <-ctx.Done():
		return Artifact{}, fail(span, classifyStorageError(ctx.Err(), "commit artifact"))
	}

	return Artifact{Name: w.name, URL: w.store.URL(w.name), Size: w.size}, nil
}

// Abort fails the pipe so minio abandons the multipart upload.
func (w *s3ArtifactWriter) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.pw.CloseWithError(errArtifactAborted)

	select {
	case res := <-w.result:
		if res.err == nil {
			// The upload finished before the abort landed; take it down.
			return w.store.Remove(ctx, w.name)
		}
	case <-ctx.Done():
		return classifyStorageError(ctx.Err(), "abort artifact")
	}
	return nil
}
