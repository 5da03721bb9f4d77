// Package gate bounds how many reply pipelines run at once and serializes
// pipelines that share a conversation.
package gate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultLimit is the global admission limit used when none is configured.
const DefaultLimit = 3

// Gate admits at most Limit pipelines system-wide and at most one per key.
// Acquisition order is always global slot first, then the key lock.
type Gate struct {
	limit    int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64

	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is a one-slot channel so waiters can give up on ctx cancellation.
// refs counts holders and waiters; the entry is dropped at zero.
type keyLock struct {
	ch   chan struct{}
	refs int
}

// New creates a Gate. Non-positive limits use DefaultLimit.
func New(limit int) *Gate {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Gate{
		limit: int64(limit),
		sem:   semaphore.NewWeighted(int64(limit)),
		locks: make(map[string]*keyLock),
	}
}

// Limit returns the global admission limit.
func (g *Gate) Limit() int { return int(g.limit) }

// InFlight returns the number of currently admitted pipelines.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Slot is an admission ticket. Release it on every exit path.
type Slot struct {
	g    *Gate
	key  string
	lock *keyLock
	once sync.Once
}

// Acquire blocks until a global slot and the lock for key are both held, or
// ctx is done. On failure nothing is held.
func (g *Gate) Acquire(ctx context.Context, key string) (*Slot, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for admission: %w", err)
	}

	kl := g.ref(key)
	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		g.unref(key, kl)
		g.sem.Release(1)
		return nil, fmt.Errorf("waiting for conversation %q: %w", key, ctx.Err())
	}

	g.inFlight.Add(1)
	return &Slot{g: g, key: key, lock: kl}, nil
}

// TryAcquire acquires without blocking. It reports false if either the
// global limit is reached or key is busy.
func (g *Gate) TryAcquire(key string) (*Slot, bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	kl := g.ref(key)
	select {
	case kl.ch <- struct{}{}:
	default:
		g.unref(key, kl)
		g.sem.Release(1)
		return nil, false
	}
	g.inFlight.Add(1)
	return &Slot{g: g, key: key, lock: kl}, true
}

// Release frees the key lock and the global slot. Calling it more than once
// is safe.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		<-s.lock.ch
		s.g.unref(s.key, s.lock)
		s.g.inFlight.Add(-1)
		s.g.sem.Release(1)
	})
}

// Key returns the conversation key the slot holds.
func (s *Slot) Key() string { return s.key }

func (g *Gate) ref(key string) *keyLock {
	g.mu.Lock()
	defer g.mu.Unlock()
	kl, ok := g.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		g.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (g *Gate) unref(key string, kl *keyLock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kl.refs--
	if kl.refs == 0 && g.locks[key] == kl {
		delete(g.locks, key)
	}
}

// keys returns the number of tracked key locks.
func (g *Gate) keys() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}
