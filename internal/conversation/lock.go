package conversation

import (
	"context"
	"sync"

	"github.com/danshapiro/ringdown/pkg/models"
)

// callerLock is one caller's exclusivity gate: a condition variable guarding
// a single boolean, grounded on the teacher's SessionLockManager.Acquire wait
// loop (internal/sessions/write_lock.go) but without a timeout, since
// spec.md §4.1 requires acquire to never fail — a second caller simply waits
// for the first to release.
type callerLock struct {
	mu     sync.Mutex
	cond   *sync.Cond
	locked bool
}

// lockRegistry hands out a *callerLock per caller_id, grounded on the
// teacher's sync.Map-backed SessionLocker.getOrCreateMutex.
type lockRegistry struct {
	locks sync.Map // map[models.CallerID]*callerLock
}

func (r *lockRegistry) get(caller models.CallerID) *callerLock {
	if v, ok := r.locks.Load(caller); ok {
		return v.(*callerLock)
	}
	l := &callerLock{}
	l.cond = sync.NewCond(&l.mu)
	actual, _ := r.locks.LoadOrStore(caller, l)
	return actual.(*callerLock)
}

// acquire blocks until the caller's lock is free, or ctx is cancelled (used
// only for process shutdown — spec.md guarantees acquire itself never fails
// under normal operation).
func (r *lockRegistry) acquire(ctx context.Context, caller models.CallerID) (release func(), err error) {
	l := r.get(caller)

	done := make(chan struct{})
	go func() {
		l.mu.Lock()
		for l.locked {
			l.cond.Wait()
		}
		l.locked = true
		l.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return func() {
			l.mu.Lock()
			l.locked = false
			l.cond.Broadcast()
			l.mu.Unlock()
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tryAcquire reports whether caller's lock was free and, if so, acquires it
// immediately. Used by Store.Acquire to implement CallerBusy semantics for
// §5's "refuse to start a second session for the same caller" rule.
func (r *lockRegistry) tryAcquire(caller models.CallerID) (release func(), ok bool) {
	l := r.get(caller)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked {
		return nil, false
	}
	l.locked = true
	return func() {
		l.mu.Lock()
		l.locked = false
		l.cond.Broadcast()
		l.mu.Unlock()
	}, true
}
