// Package ratelimit throttles upload traffic per client using token buckets.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether a request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// InMemoryLimiter keeps one token bucket per key in process memory.
// Suitable for a single instance; buckets idle longer than maxIdle are evicted.
type InMemoryLimiter struct {
	rate    rate.Limit
	burst   int
	maxIdle time.Duration
	now     func() time.Time

	buckets sync.Map // map[string]*bucket

	stopOnce sync.Once
	stop     chan struct{}
}

// NewInMemoryLimiter creates a limiter allowing rps requests per second with
// bursts up to burst, and starts the idle-bucket sweeper.
func NewInMemoryLimiter(rps float64, burst int) *InMemoryLimiter {
	l := newInMemoryLimiter(rps, burst, time.Now)
	go l.sweepLoop(5 * time.Minute)
	return l
}

func newInMemoryLimiter(rps float64, burst int, now func() time.Time) *InMemoryLimiter {
	return &InMemoryLimiter{
		rate:    rate.Limit(rps),
		burst:   burst,
		maxIdle: 10 * time.Minute,
		now:     now,
		stop:    make(chan struct{}),
	}
}

// Allow consumes one token from key's bucket.
func (l *InMemoryLimiter) Allow(_ context.Context, key string) bool {
	now := l.now()
	b := l.bucketFor(key)
	b.lastSeen.Store(now.UnixNano())
	return b.limiter.AllowN(now, 1)
}

func (l *InMemoryLimiter) bucketFor(key string) *bucket {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*bucket)
	}
	fresh := &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
	v, _ := l.buckets.LoadOrStore(key, fresh)
	return v.(*bucket)
}

func (l *InMemoryLimiter) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep evicts buckets that have been idle longer than maxIdle and
// returns how many were removed.
func (l *InMemoryLimiter) sweep() int {
	cutoff := l.now().Add(-l.maxIdle).UnixNano()
	removed := 0
	l.buckets.Range(func(key, value any) bool {
		if value.(*bucket).lastSeen.Load() < cutoff {
			l.buckets.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Len reports the number of live buckets.
func (l *InMemoryLimiter) Len() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stop ends the sweeper goroutine. Safe to call more than once.
func (l *InMemoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
