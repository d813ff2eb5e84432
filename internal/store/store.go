// Package store adapts a hierarchical, ZooKeeper-like coordination service
// to the narrow surface stolos needs: per-task state records with
// check-and-set updates, ephemeral exclusive locks bound to a worker
// session, and a per-app FIFO priority queue. Every multi-step update the
// rest of the engine performs is expressed as a sequence of these
// idempotent, atomic primitives (spec §4.1).
package store

import (
	"context"
	"errors"
	"time"
)

// TaskState is one of the five states a task's lifecycle may occupy (spec §4.3).
type TaskState string

const (
	StateAbsent    TaskState = "absent"
	StatePending   TaskState = "pending"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateSkipped   TaskState = "skipped"
)

// TaskRecord is the persistent per-task payload: state plus retry history.
// in_queue and executing (spec §3) are deliberately absent here — they are
// derived from Queue/Lock state rather than duplicated, so they can never
// drift out of sync with the queue and lock they describe.
type TaskRecord struct {
	State      TaskState
	RetryCount int
}

// Sentinel errors surfaced by the store layer. Callers use errors.Is.
var (
	// ErrCASConflict means the task record changed underneath a
	// CompareAndSwapTask call; the caller should re-read and retry.
	ErrCASConflict = errors.New("store: compare-and-swap conflict")
	// ErrLockHeld means another live session already holds the lock.
	ErrLockHeld = errors.New("store: lock held by another session")
	// ErrQueueEmpty means Consume or Cycle found no head in the queue (Get
	// reports an empty queue as ok=false instead).
	ErrQueueEmpty = errors.New("store: queue empty")
	// ErrNotHeld means Consume/Cycle was called without a live peek held by
	// the calling session.
	ErrNotHeld = errors.New("store: queue head not held by this session")
	// ErrSessionDead means the session's lease has already expired.
	ErrSessionDead = errors.New("store: session expired")
)

// QueueItem is one entry observed at (or near) the head of an app's queue.
type QueueItem struct {
	JobID    string
	Priority int
}

// Queue is the per-app FIFO described in spec §4.1: put, a two-phase get
// (peek then ack), and cycle (consume-then-repute at the tail).
type Queue interface {
	// Put appends jobID at the given priority (lower dequeues sooner).
	// Duplicate suppression is an engine-level concern, not the queue's.
	Put(ctx context.Context, jobID string, priority int) error

	// Get peeks the current head without removing it, marking it held by
	// sess so a concurrent Get from another session is refused the same
	// head until sess's lease expires or releases it. Returns ok=false if
	// the queue is empty.
	Get(ctx context.Context, sess *Session) (item QueueItem, ok bool, err error)

	// Consume finalizes and removes the item currently held by sess. Fails
	// with ErrNotHeld if sess does not hold the head.
	Consume(ctx context.Context, sess *Session) error

	// Cycle consumes the held head and re-puts it at the tail with the
	// same priority, in one atomic step.
	Cycle(ctx context.Context, sess *Session) error

	// Release drops sess's peek (if any) without consuming, letting another
	// worker claim the head. Used on every exit path that did not reach
	// Consume or Cycle.
	Release(ctx context.Context, sess *Session) error

	// Contains reports whether jobID currently sits anywhere in the queue.
	Contains(ctx context.Context, jobID string) (bool, error)

	// Size returns the number of entries currently queued.
	Size(ctx context.Context) (int, error)
}

// Lock represents a held ephemeral exclusive lock on one task. Its lifetime
// is bound to the session that acquired it: if the session's lease expires,
// the lock is treated as released by the next observer (spec §3, "Lock").
type Lock struct {
	App    string
	JobID  string
	Owner  *Session
}

// Client is the coordination-store adapter. Implementations: a BoltDB-backed
// store for production (bolt.go) and an in-memory store with simulated
// session loss for tests (memory.go) — per spec §9's note that the client
// is expressed as an interface precisely so it can be faked in tests.
type Client interface {
	// NewSession opens a new ephemeral lease with the given TTL, heartbeating
	// in the background until Close is called.
	NewSession(ctx context.Context, ttl time.Duration) (*Session, error)

	// GetTask reads the current record for (app, jobID). ok=false means the
	// task is absent (never created, or deleted externally).
	GetTask(ctx context.Context, app, jobID string) (rec TaskRecord, rev uint64, ok bool, err error)

	// CompareAndSwapTask writes rec iff the stored revision equals
	// expectedRev (0 for a task that does not exist yet). Returns the new
	// revision on success, or ErrCASConflict.
	CompareAndSwapTask(ctx context.Context, app, jobID string, expectedRev uint64, rec TaskRecord) (newRev uint64, err error)

	// TryLock attempts to obtain the execute-lock for (app, jobID). Returns
	// ErrLockHeld (not an error the caller should treat as fatal) if another
	// live session holds it.
	TryLock(ctx context.Context, app, jobID string, sess *Session) (*Lock, error)

	// ReleaseLock drops a previously obtained lock. Safe to call more than
	// once; safe to call after the owning session has already expired.
	ReleaseLock(ctx context.Context, lock *Lock) error

	// IsLocked reports whether (app, jobID) currently has a live holder,
	// without acquiring anything.
	IsLocked(ctx context.Context, app, jobID string) (bool, error)

	// Queue returns the FIFO for app, creating it on first use.
	Queue(app string) Queue

	Close() error
}
