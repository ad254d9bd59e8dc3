package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// inflight tracks the single operation currently holding a session's lock.
type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// sessionLocks serializes state transitions per session: at most one
// in-flight transition per session id at any time. A second concurrent
// transition is rejected immediately with ErrConcurrencyConflict, never
// queued — the caller retries after the current transition settles.
type sessionLocks struct {
	mu   sync.Mutex
	held map[uuid.UUID]*inflight
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{held: make(map[uuid.UUID]*inflight)}
}

// acquire claims the session's lock and returns a derived context that
// abort can cancel, plus a release function. Fails with
// ErrConcurrencyConflict if another operation holds the lock.
func (l *sessionLocks) acquire(ctx context.Context, id uuid.UUID) (context.Context, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[id]; taken {
		return nil, nil, ErrConcurrencyConflict
	}

	opCtx, cancel := context.WithCancel(ctx)
	op := &inflight{cancel: cancel, done: make(chan struct{})}
	l.held[id] = op

	release := func() {
		l.mu.Lock()
		delete(l.held, id)
		l.mu.Unlock()
		close(op.done)
		cancel()
	}
	return opCtx, release, nil
}

// interrupt cancels the in-flight operation for id, if any, and returns
// a channel that closes when that operation has fully settled. Returns
// nil when no operation is in flight.
func (l *sessionLocks) interrupt(id uuid.UUID) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	op, ok := l.held[id]
	if !ok {
		return nil
	}
	op.cancel()
	return op.done
}
