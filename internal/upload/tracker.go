package upload

import (
	"hash/maphash"
	"sync"
)

const trackerShards = 64

// Tracker hands out per-session reader/writer locks. Chunk writes take the
// read side so puts for one session run in parallel; the completion check
// and assembly take the write side. Sessions never contend with each other
// beyond a brief shard lookup.
//
// Entries are reference counted and dropped when the last holder unlocks,
// so the table only holds sessions with requests in flight.
type Tracker struct {
	seed   maphash.Seed
	shards [trackerShards]trackerShard
}

type trackerShard struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.RWMutex
	refs int
}

func NewTracker() *Tracker {
	t := &Tracker{seed: maphash.MakeSeed()}
	for i := range t.shards {
		t.shards[i].locks = make(map[string]*sessionLock)
	}
	return t
}

func (t *Tracker) shard(id string) *trackerShard {
	return &t.shards[maphash.String(t.seed, id)%trackerShards]
}

func (t *Tracker) acquire(id string) (*trackerShard, *sessionLock) {
	sh := t.shard(id)
	sh.mu.Lock()
	l, ok := sh.locks[id]
	if !ok {
		l = &sessionLock{}
		sh.locks[id] = l
	}
	l.refs++
	sh.mu.Unlock()
	return sh, l
}

func (sh *trackerShard) release(id string, l *sessionLock) {
	sh.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(sh.locks, id)
	}
	sh.mu.Unlock()
}

// RLock takes the shared side of the session lock. Call the returned
// function exactly once to release it.
func (t *Tracker) RLock(id string) (unlock func()) {
	sh, l := t.acquire(id)
	l.mu.RLock()
	return func() {
		l.mu.RUnlock()
		sh.release(id, l)
	}
}

// Lock takes the exclusive side of the session lock.
func (t *Tracker) Lock(id string) (unlock func()) {
	sh, l := t.acquire(id)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		sh.release(id, l)
	}
}

// Len reports how many sessions currently have lock holders or waiters.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		n += len(sh.locks)
		sh.mu.Unlock()
	}
	return n
}
