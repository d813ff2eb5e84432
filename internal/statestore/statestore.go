// Package statestore is the per-task state machine (spec §4.3): state,
// retry_count persisted in the coordination store, with in_queue and
// executing derived live from the store's queue and lock rather than
// duplicated, so they can never drift out of sync with the structures they
// describe.
package statestore

import (
	"context"
	"log/slog"

	"github.com/swarmguard/stolos/internal/dagview"
	"github.com/swarmguard/stolos/internal/store"
)

// Snapshot is the result of Inspect: a point-in-time view of one task.
type Snapshot struct {
	State      store.TaskState
	RetryCount int
	InQueue    bool
	Executing  bool
	AppQSize   int
}

// Store is the C3 surface the dependency engine and runner operate against.
type Store struct {
	client store.Client
	view   dagview.View
	grammar *dagview.Grammar
}

// New builds a Store over client, validating job ids against view's grammar
// on every SetState call.
func New(client store.Client, view dagview.View, grammar *dagview.Grammar) *Store {
	return &Store{client: client, view: view, grammar: grammar}
}

// CheckState is an exact-state test: true iff the task's persisted state
// equals want.
func (s *Store) CheckState(ctx context.Context, app, jobID string, want store.TaskState) (bool, error) {
	rec, _, ok, err := s.client.GetTask(ctx, app, jobID)
	if err != nil {
		return false, err
	}
	if !ok {
		return want == store.StateAbsent, nil
	}
	return rec.State == want, nil
}

// SetState atomically writes newState, failing with an *InvalidJobIdError if
// jobID violates app's grammar. Retry count is left untouched; callers that
// need to reset it go through ReaddSubtask-style paths.
func (s *Store) SetState(ctx context.Context, app, jobID string, newState store.TaskState) error {
	cfg, err := s.view.Options(app)
	if err != nil {
		return err
	}
	if _, err := s.grammar.Parse(cfg, jobID); err != nil {
		return err
	}
	return s.setStateUnsafe(ctx, app, jobID, newState, -1)
}

// setStateUnsafe skips grammar validation; it backs both SetState (after
// validation) and SetStateUnsafe. retryCount < 0 means "leave unchanged".
func (s *Store) setStateUnsafe(ctx context.Context, app, jobID string, newState store.TaskState, retryCount int) error {
	for {
		rec, rev, ok, err := s.client.GetTask(ctx, app, jobID)
		if err != nil {
			return err
		}
		if !ok {
			rec = store.TaskRecord{State: store.StateAbsent}
		}
		rec.State = newState
		if retryCount >= 0 {
			rec.RetryCount = retryCount
		}
		_, err = s.client.CompareAndSwapTask(ctx, app, jobID, rev, rec)
		if err == store.ErrCASConflict {
			continue
		}
		if err != nil {
			return err
		}
		slog.Debug("state set", "app", app, "job_id", jobID, "state", newState)
		return nil
	}
}

// SetStateUnsafe writes newState without grammar validation. The dependency
// engine and the runner use it for all of their state writes, including
// recording a malformed job_id as failed; tests use it to seed such ids.
func (s *Store) SetStateUnsafe(ctx context.Context, app, jobID string, newState store.TaskState) error {
	return s.setStateUnsafe(ctx, app, jobID, newState, -1)
}

// IncrementRetry bumps retry_count and reports whether it now exceeds
// maxRetry.
func (s *Store) IncrementRetry(ctx context.Context, app, jobID string, maxRetry int) (newCount int, exceeded bool, err error) {
	for {
		rec, rev, ok, getErr := s.client.GetTask(ctx, app, jobID)
		if getErr != nil {
			return 0, false, getErr
		}
		if !ok {
			rec = store.TaskRecord{State: store.StatePending}
		}
		rec.RetryCount++
		_, err = s.client.CompareAndSwapTask(ctx, app, jobID, rev, rec)
		if err == store.ErrCASConflict {
			continue
		}
		if err != nil {
			return 0, false, err
		}
		return rec.RetryCount, rec.RetryCount > maxRetry, nil
	}
}

// ObtainExecuteLock is a non-blocking attempt at the task's execute-lock.
// Returns (nil, nil) if another live session holds it — callers treat that
// as spec's LockNotAcquired, a soft condition, not an error.
func (s *Store) ObtainExecuteLock(ctx context.Context, app, jobID string, sess *store.Session) (*store.Lock, error) {
	lock, err := s.client.TryLock(ctx, app, jobID, sess)
	if err == store.ErrLockHeld {
		return nil, nil
	}
	return lock, err
}

// Inspect returns a point-in-time view of the task, deriving in_queue and
// executing from the store's queue/lock state.
func (s *Store) Inspect(ctx context.Context, app, jobID string) (Snapshot, error) {
	rec, _, ok, err := s.client.GetTask(ctx, app, jobID)
	if err != nil {
		return Snapshot{}, err
	}
	state := store.StateAbsent
	retry := 0
	if ok {
		state = rec.State
		retry = rec.RetryCount
	}
	inQueue, err := s.client.Queue(app).Contains(ctx, jobID)
	if err != nil {
		return Snapshot{}, err
	}
	executing, err := s.client.IsLocked(ctx, app, jobID)
	if err != nil {
		return Snapshot{}, err
	}
	size, err := s.client.Queue(app).Size(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{State: state, RetryCount: retry, InQueue: inQueue, Executing: executing, AppQSize: size}, nil
}
