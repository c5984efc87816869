package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned by Locker.Acquire when the wait bound elapses
// before the session frees up.
var ErrBusy = errors.New("session busy")

// Locker serializes turns per session ID. Waiters queue in arrival order
// behind a weight-1 semaphore; entries are reference counted and dropped
// once no turn holds or awaits them.
type Locker struct {
	wait time.Duration

	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLocker creates a Locker. wait bounds how long Acquire queues: zero
// waits until the context ends, negative rejects immediately when busy.
func NewLocker(wait time.Duration) *Locker {
	return &Locker{wait: wait, entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the caller holds the session, then returns the
// release function. Release is idempotent.
func (l *Locker) Acquire(ctx context.Context, id string) (func(), error) {
	e := l.ref(id)

	var err error
	switch {
	case l.wait < 0:
		if !e.sem.TryAcquire(1) {
			err = ErrBusy
		}
	case l.wait > 0:
		wctx, cancel := context.WithTimeout(ctx, l.wait)
		err = e.sem.Acquire(wctx, 1)
		cancel()
		if err != nil && ctx.Err() == nil {
			err = ErrBusy
		}
	default:
		err = e.sem.Acquire(ctx, 1)
	}
	if err != nil {
		l.unref(id, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(id, e)
		})
	}, nil
}

// Held reports whether a turn currently holds or awaits id.
func (l *Locker) Held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[id]
	return ok
}

// Active returns the number of sessions with a running or queued turn.
func (l *Locker) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locker) ref(id string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[id] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(id string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, id)
	}
}
