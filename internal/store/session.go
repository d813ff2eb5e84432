package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session represents one worker process's ephemeral lease against the
// coordination store. Locks and queue peeks held "by a session" are
// automatically treated as released once the lease expires and is not
// renewed — the store's stand-in for ZooKeeper's session-loss semantics
// (spec §5, "Worker death is detected via ephemeral-lock session loss").
type Session struct {
	ID string

	mu        sync.Mutex
	ttl       time.Duration
	expiresAt time.Time
	closed    bool
	stop      chan struct{}
	done      chan struct{}

	// onRenew/onClose let a backing Client mirror lease state into the
	// store itself (bolt.go); the in-memory client leaves these nil since
	// liveness there is just the Session struct in process memory.
	onRenew func()
	onClose func()
}

func newSession(ttl time.Duration) *Session {
	return &Session{
		ID:        uuid.NewString(),
		ttl:       ttl,
		expiresAt: time.Now().Add(ttl),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// withHooks attaches onRenew/onClose callbacks, for a Client that must mirror
// lease state somewhere observable across processes (bolt.go's sessions
// bucket). Hooks fire after s.mu is released, so they may safely call back
// into s (e.g. s.Alive()) but must not deadlock on the same Client locks a
// concurrent Session method might hold.
func (s *Session) withHooks(onRenew, onClose func()) *Session {
	s.onRenew = onRenew
	s.onClose = onClose
	return s
}

// startHeartbeat renews the lease at ttl/3 until Close is called or ctx ends.
func (s *Session) startHeartbeat(ctx context.Context) {
	go func() {
		defer close(s.done)
		interval := s.ttl / 3
		if interval <= 0 {
			interval = time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.renew()
			}
		}
	}()
}

func (s *Session) renew() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.expiresAt = time.Now().Add(s.ttl)
	hook := s.onRenew
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Alive reports whether the lease has not yet expired and has not been
// explicitly closed.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && time.Now().Before(s.expiresAt)
}

// Close ends the session immediately; any held locks/peeks become eligible
// for reclamation on the next observer's access.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	hook := s.onClose
	s.mu.Unlock()
	close(s.stop)
	if hook != nil {
		hook()
	}
	slog.Debug("session closed", "session_id", s.ID)
}

// SimulateSessionCrash marks sess dead without the orderly Close path and
// skips onClose, mimicking a worker process that vanished without
// deregistering — used by tests to exercise session-loss recovery without
// waiting out a TTL.
func SimulateSessionCrash(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.closed = true
	sess.expiresAt = time.Time{}
}

func sameLiveSession(a, b *Session) bool {
	if a == nil || b == nil {
		return false
	}
	return a.ID == b.ID && a.Alive()
}
