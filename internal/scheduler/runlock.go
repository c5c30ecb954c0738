package scheduler

import (
	"context"
	"sync"
)

// RunLocks serializes task execution per conversation id. Waiters are
// granted the lock in FIFO order; Acquire returns a release handle that
// must be invoked exactly once (extra invocations are no-ops).
type RunLocks struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	held    bool
	waiters []chan struct{}
}

// NewRunLocks returns an empty lock map.
func NewRunLocks() *RunLocks {
	return &RunLocks{lanes: make(map[string]*lane)}
}

// Acquire blocks until the lane for key is free or ctx is cancelled.
// An empty key needs no serialization and acquires immediately.
func (r *RunLocks) Acquire(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return func() {}, nil
	}

	r.mu.Lock()
	ln := r.lanes[key]
	if ln == nil {
		ln = &lane{}
		r.lanes[key] = ln
	}
	if !ln.held {
		ln.held = true
		r.mu.Unlock()
		return r.releaseFunc(key), nil
	}
	waiter := make(chan struct{}, 1)
	ln.waiters = append(ln.waiters, waiter)
	r.mu.Unlock()

	select {
	case <-waiter:
		return r.releaseFunc(key), nil
	case <-ctx.Done():
		r.mu.Lock()
		for i, w := range ln.waiters {
			if w == waiter {
				ln.waiters = append(ln.waiters[:i], ln.waiters[i+1:]...)
				r.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		// Already granted between cancellation and cleanup: pass it on.
		r.passOnLocked(key, ln)
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// releaseFunc builds the one-shot release handle for a held lane.
func (r *RunLocks) releaseFunc(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			ln := r.lanes[key]
			if ln == nil {
				return
			}
			r.passOnLocked(key, ln)
		})
	}
}

// passOnLocked hands the lane to the oldest waiter or frees it.
func (r *RunLocks) passOnLocked(key string, ln *lane) {
	if len(ln.waiters) > 0 {
		next := ln.waiters[0]
		ln.waiters = ln.waiters[1:]
		next <- struct{}{}
		return
	}
	ln.held = false
	delete(r.lanes, key)
}

// Held reports whether the lane for key is currently taken.
func (r *RunLocks) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ln := r.lanes[key]
	return ln != nil && ln.held
}
