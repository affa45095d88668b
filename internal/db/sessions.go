package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ConfabulousDev/chunkload/internal/upload"
)

// SessionStore is the PostgreSQL upload.SessionRegistry. The status and
// claim_token columns carry the cross-process assembly claim: every
// transition is a single conditional UPDATE, so two servers never both see
// a successful Claim and only the token holder can finish it.
type SessionStore struct {
	conn *sql.DB
}

var _ upload.SessionRegistry = (*SessionStore)(nil)

// Sessions returns the registry backed by this database.
func (db *DB) Sessions() *SessionStore {
	return &SessionStore{conn: db.conn}
}

const selectSession = `
	SELECT id, total_chunks, status, claim_token, artifact_name, original_name, url, size, chunks, created_at, updated_at
	FROM upload_sessions WHERE id = $1`

// Open inserts the session if absent and returns the stored row.
// The conflict clause makes concurrent first chunks race-free: exactly one
// insert lands and every caller reads back the winner's total. An existing
// open row only has its idle clock reset.
func (s *SessionStore) Open(ctx context.Context, id string, total int) (upload.Session, error) {
	ctx, span := tracer.Start(ctx, "db.open_upload_session",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.Int("chunks.total", total),
		))
	defer span.End()

	insert := `
		INSERT INTO upload_sessions (id, total_chunks, status, created_at, updated_at)
		VALUES ($1, $2, 'open', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()
		WHERE upload_sessions.status = 'open'`

	// A purge can delete the row between insert and select; one retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := s.conn.ExecContext(ctx, insert, id, total); err != nil {
			return upload.Session{}, fail(span, fmt.Errorf("failed to insert upload session: %w", err))
		}

		sess, err := s.get(ctx, id)
		if errors.Is(err, upload.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return upload.Session{}, fail(span, err)
		}
		return *sess, nil
	}
	return upload.Session{}, fail(span, fmt.Errorf("upload session %s vanished during open", id))
}

func (s *SessionStore) Claim(ctx context.Context, id string) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "db.claim_upload_session",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	token := upload.NewClaimToken()
	n, err := s.exec(ctx, `
		UPDATE upload_sessions SET status = 'assembling', claim_token = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'open'`, id, token)
	if err != nil {
		return "", false, fail(span, fmt.Errorf("failed to claim upload session: %w", err))
	}
	span.SetAttributes(attribute.Bool("session.claimed", n == 1))
	if n == 0 {
		return "", false, nil
	}
	return token, true, nil
}

func (s *SessionStore) Renew(ctx context.Context, id, token string) error {
	ctx, span := tracer.Start(ctx, "db.renew_upload_session",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	n, err := s.exec(ctx, `
		UPDATE upload_sessions SET updated_at = NOW()
		WHERE id = $1 AND status = 'assembling' AND claim_token = $2`, id, token)
	if err != nil {
		return fail(span, fmt.Errorf("failed to renew upload session claim: %w", err))
	}
	if n == 0 {
		return fail(span, upload.ErrClaimLost)
	}
	return nil
}

func (s *SessionStore) Complete(ctx context.Context, id, token string, result upload.Result) error {
	ctx, span := tracer.Start(ctx, "db.complete_upload_session",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.Int64("artifact.size", result.Size),
		))
	defer span.End()

	n, err := s.exec(ctx, `
		UPDATE upload_sessions
		SET status = 'done', claim_token = NULL, artifact_name = $3, original_name = $4, url = $5, size = $6, chunks = $7, updated_at = NOW()
		WHERE id = $1 AND status = 'assembling' AND claim_token = $2`,
		id, token, result.Name, result.OriginalName, result.URL, result.Size, result.Chunks)
	if err != nil {
		return fail(span, fmt.Errorf("failed to complete upload session: %w", err))
	}
	if n == 0 {
		return fail(span, upload.ErrClaimLost)
	}
	return nil
}

func (s *SessionStore) Release(ctx context.Context, id, token string) error {
	ctx, span := tracer.Start(ctx, "db.release_upload_session",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	if _, err := s.exec(ctx, `
		UPDATE upload_sessions SET status = 'open', claim_token = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'assembling' AND claim_token = $2`, id, token); err != nil {
		return fail(span, fmt.Errorf("failed to release upload session: %w", err))
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*upload.Session, error) {
	ctx, span := tracer.Start(ctx, "db.get_upload_session",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	sess, err := s.get(ctx, id)
	if err != nil && !errors.Is(err, upload.ErrSessionNotFound) {
		return nil, fail(span, err)
	}
	return sess, err
}

func (s *SessionStore) get(ctx context.Context, id string) (*upload.Session, error) {
	var (
		sess                            upload.Session
		status                          string
		claimToken                      sql.NullString
		artifactName, originalName, url sql.NullString
		size                            sql.NullInt64
		chunks                          sql.NullInt32
	)
	err := s.conn.QueryRowContext(ctx, selectSession, id).Scan(
		&sess.ID, &sess.TotalChunks, &status, &claimToken,
		&artifactName, &originalName, &url, &size, &chunks,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, upload.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}

	sess.Status = upload.Status(status)
	sess.ClaimToken = claimToken.String
	if sess.Status == upload.StatusDone {
		sess.Result = &upload.Result{
			URL:          url.String,
			Size:         size.Int64,
			Name:         artifactName.String,
			OriginalName: originalName.String,
			Chunks:       int(chunks.Int32),
		}
	}
	return &sess, nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete upload session: %w", err)
	}
	return nil
}

// ReleaseStale ages claims by the database clock so server clock skew
// cannot reopen a live assembly.
func (s *SessionStore) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, span := tracer.Start(ctx, "db.release_stale_upload_sessions")
	defer span.End()

	n, err := s.exec(ctx, `
		UPDATE upload_sessions SET status = 'open', claim_token = NULL, updated_at = NOW()
		WHERE status = 'assembling' AND updated_at < NOW() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, fail(span, fmt.Errorf("failed to release stale upload sessions: %w", err))
	}
	span.SetAttributes(attribute.Int64("sessions.released", n))
	return int(n), nil
}

func (s *SessionStore) PurgeDone(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.purge(ctx, "db.purge_done_upload_sessions", upload.StatusDone, olderThan)
}

func (s *SessionStore) PurgeOpen(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.purge(ctx, "db.purge_open_upload_sessions", upload.StatusOpen, olderThan)
}

func (s *SessionStore) purge(ctx context.Context, spanName string, status upload.Status, olderThan time.Duration) (int, error) {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	n, err := s.exec(ctx, `
		DELETE FROM upload_sessions
		WHERE status = $1 AND updated_at < NOW() - make_interval(secs => $2)`,
		string(status), olderThan.Seconds())
	if err != nil {
		return 0, fail(span, fmt.Errorf("failed to purge %s upload sessions: %w", status, err))
	}
	span.SetAttributes(attribute.Int64("sessions.purged", n))
	return int(n), nil
}

func (s *SessionStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
