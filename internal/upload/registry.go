package upload

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the assembly state of a session.
type Status string

const (
	StatusOpen       Status = "open"
	StatusAssembling Status = "assembling"
	StatusDone       Status = "done"
)

// Session is the registry record for one upload. The set of received
// chunks is not stored here; the chunk store listing is authoritative.
type Session struct {
	ID          string
	TotalChunks int
	Status      Status
	ClaimToken  string  // owner of the assembly claim while assembling
	Result      *Result // set once Status is StatusDone
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionRegistry is the durable index of sessions and their assembly claim.
// Implementations must make Open and Claim atomic across every process
// sharing the registry.
//
// A claim is a lease identified by a token. Complete, Release and Renew
// only act while the caller's token still owns the claim, so an assembler
// whose lease was reopened by ReleaseStale cannot record a second result.
type SessionRegistry interface {
	// Open inserts the session if absent and returns the stored record.
	// The first writer's total wins. Opening an open session refreshes its
	// idle time.
	Open(ctx context.Context, id string, total int) (Session, error)

	// Claim moves open → assembling and returns the new claim token.
	// ok is false when the session is not open (already claimed, done or
	// unknown).
	Claim(ctx context.Context, id string) (token string, ok bool, err error)

	// Renew extends the claim held by token. Returns ErrClaimLost when the
	// token no longer owns the session.
	Renew(ctx context.Context, id, token string) error

	// Complete moves assembling → done and records the result.
	// Returns ErrClaimLost when token no longer owns the claim.
	Complete(ctx context.Context, id, token string, result Result) error

	// Release moves assembling → open after a failed assembly. A lost
	// claim is not an error.
	Release(ctx context.Context, id, token string) error

	// Get returns ErrSessionNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Session, error)

	Delete(ctx context.Context, id string) error

	// ReleaseStale reopens sessions whose claim has not been renewed for
	// longer than olderThan, e.g. after an assembler crashed.
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error)

	// PurgeDone forgets done sessions last updated more than olderThan ago.
	PurgeDone(ctx context.Context, olderThan time.Duration) (int, error)

	// PurgeOpen forgets open sessions that saw no chunk for longer than
	// olderThan. Their chunks, if any, are left to the chunk store.
	PurgeOpen(ctx context.Context, olderThan time.Duration) (int, error)
}

// NewClaimToken returns a fresh assembly claim token.
func NewClaimToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// MemoryRegistry is a process-local SessionRegistry.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		sessions: make(map[string]*Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRegistry) Open(_ context.Context, id string, total int) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if s, ok := r.sessions[id]; ok {
		if s.Status == StatusOpen {
			s.UpdatedAt = now
		}
		return copySession(s), nil
	}
	s := &Session{ID: id, TotalChunks: total, Status: StatusOpen, CreatedAt: now, UpdatedAt: now}
	r.sessions[id] = s
	return copySession(s), nil
}

func (r *MemoryRegistry) Claim(_ context.Context, id string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.Status != StatusOpen {
		return "", false, nil
	}
	s.Status = StatusAssembling
	s.ClaimToken = NewClaimToken()
	s.UpdatedAt = r.now()
	return s.ClaimToken, true, nil
}

func (r *MemoryRegistry) Renew(_ context.Context, id, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.owned(id, token)
	if !ok {
		return ErrClaimLost
	}
	s.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRegistry) Complete(_ context.Context, id, token string, result Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.owned(id, token)
	if !ok {
		return ErrClaimLost
	}
	res := result
	s.Status = StatusDone
	s.ClaimToken = ""
	s.Result = &res
	s.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRegistry) Release(_ context.Context, id, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.owned(id, token); ok {
		s.Status = StatusOpen
		s.ClaimToken = ""
		s.UpdatedAt = r.now()
	}
	return nil
}

// owned must be called with mu held.
func (r *MemoryRegistry) owned(id, token string) (*Session, bool) {
	s, ok := r.sessions[id]
	if !ok || s.Status != StatusAssembling || token == "" || s.ClaimToken != token {
		return nil, false
	}
	return s, true
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	c := copySession(s)
	return &c, nil
}

func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *MemoryRegistry) ReleaseStale(_ context.Context, olderThan time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-olderThan)
	n := 0
	for _, s := range r.sessions {
		if s.Status == StatusAssembling && s.UpdatedAt.Before(cutoff) {
			s.Status = StatusOpen
			s.ClaimToken = ""
			s.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *MemoryRegistry) PurgeDone(_ context.Context, olderThan time.Duration) (int, error) {
	return r.purge(StatusDone, olderThan), nil
}

func (r *MemoryRegistry) PurgeOpen(_ context.Context, olderThan time.Duration) (int, error) {
	return r.purge(StatusOpen, olderThan), nil
}

func (r *MemoryRegistry) purge(status Status, olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-olderThan)
	n := 0
	for id, s := range r.sessions {
		if s.Status == status && s.UpdatedAt.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

// Len reports the number of sessions held.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func copySession(s *Session) Session {
	c := *s
	if s.Result != nil {
		res := *s.Result
		c.Result = &res
	}
	return c
}
