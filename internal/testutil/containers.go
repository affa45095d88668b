// Package testutil starts real PostgreSQL and MinIO containers and HTTP
// servers for integration tests. Callers skip under testing.Short().
package testutil

import (
	"context"
	"testing"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ConfabulousDev/chunkload/internal/db"
	"github.com/ConfabulousDev/chunkload/internal/storage"
)

const (
	minioUser     = "minioadmin"
	minioPassword = "minioadmin"

	// TestBucket is created in every MinIO container
	TestBucket = "chunkload-test"
)

// TestEnvironment holds test infrastructure (PostgreSQL + MinIO containers)
type TestEnvironment struct {
	DB     *db.DB
	S3     *miniogo.Client
	Bucket string
	Ctx    context.Context
}

// SetupTestEnvironment starts PostgreSQL and MinIO. Containers are
// terminated when the test finishes.
func SetupTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	database := StartPostgres(t)
	client := StartMinio(t)
	return &TestEnvironment{DB: database, S3: client, Bucket: TestBucket, Ctx: context.Background()}
}

// StartPostgres starts a PostgreSQL container and returns a migrated connection.
func StartPostgres(t *testing.T) *db.DB {
	t.Helper()
	connStr := StartPostgresDSN(t)

	database, err := db.Connect(connStr)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Logf("Warning: failed to close database: %v", err)
		}
	})

	if err := db.Migrate(database.Conn()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return database
}

// StartPostgresDSN starts an empty PostgreSQL container and returns its
// connection string.
func StartPostgresDSN(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	t.Log("Starting PostgreSQL container...")
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("chunkload_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get postgres connection string: %v", err)
	}
	return connStr
}

// StartMinio starts a MinIO container with TestBucket created.
func StartMinio(t *testing.T) *miniogo.Client {
	t.Helper()
	ctx := context.Background()

	t.Log("Starting MinIO container...")
	container, err := minio.Run(ctx,
		"minio/minio:latest",
		minio.WithUsername(minioUser),
		minio.WithPassword(minioPassword),
	)
	if err != nil {
		t.Fatalf("Failed to start minio container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate minio container: %v", err)
		}
	})

	endpoint, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get minio endpoint: %v", err)
	}

	cfg := storage.S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     minioUser,
		SecretAccessKey: minioPassword,
		BucketName:      TestBucket,
	}

	// MinIO needs a moment after the port opens before it accepts requests.
	const maxRetries = 10
	for i := 0; i < maxRetries; i++ {
		client, err := storage.NewS3Client(ctx, cfg)
		if err == nil {
			return client
		}
		if raw, rawErr := miniogo.New(endpoint, &miniogo.Options{
			Creds: credentials.NewStaticV4(minioUser, minioPassword, ""),
		}); rawErr == nil {
			_ = raw.MakeBucket(ctx, TestBucket, miniogo.MakeBucketOptions{})
		}
		t.Logf("MinIO not ready yet, retrying... (%d/%d): %v", i+1, maxRetries, err)
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("Failed to create S3 client after %d retries", maxRetries)
	return nil
}

// CleanDB truncates the session registry between tests.
func (e *TestEnvironment) CleanDB(t *testing.T) {
	t.Helper()
	if _, err := e.DB.Exec(e.Ctx, "TRUNCATE TABLE upload_sessions"); err != nil {
		t.Fatalf("Failed to truncate upload_sessions: %v", err)
	}
}
