// Package depengine is the dependency-aware queue and state engine (spec
// §4.4): MaybeAddSubtask, ReaddSubtask, EnsureParentsCompleted, and the
// bubble-down that follows a completion. This is the race-sensitive core of
// the scheduler — every exported method here is safe to call concurrently
// from many worker processes sharing only the coordination store.
package depengine

import (
	"context"
	"log/slog"

	"github.com/swarmguard/stolos/internal/dagview"
	"github.com/swarmguard/stolos/internal/statestore"
	"github.com/swarmguard/stolos/internal/stolos"
	"github.com/swarmguard/stolos/internal/store"
)

// defaultPriority is the fixed middle bucket a subtask gets when no priority
// is given (spec §4.4, maybe_add_subtask).
const defaultPriority = 50

// Engine bundles the store client, state store, and DagView the dependency
// logic needs.
type Engine struct {
	client store.Client
	states *statestore.Store
	view   dagview.View
}

// New builds an Engine over the given collaborators.
func New(client store.Client, states *statestore.Store, view dagview.View) *Engine {
	return &Engine{client: client, states: states, view: view}
}

// MaybeAddSubtask adds (app, jobID) to its app's queue iff it is not already
// in_queue and not completed. Sets pending if the task is absent. Returns
// whether a new enqueue occurred; repeated calls are idempotent (spec §8's
// round-trip law).
func (e *Engine) MaybeAddSubtask(ctx context.Context, app, jobID string, priority *int) (bool, error) {
	snap, err := e.states.Inspect(ctx, app, jobID)
	if err != nil {
		return false, err
	}
	if snap.InQueue || snap.State == store.StateCompleted {
		return false, nil
	}
	if snap.State == store.StateAbsent {
		if err := e.states.SetStateUnsafe(ctx, app, jobID, store.StatePending); err != nil {
			return false, err
		}
	}
	p := defaultPriority
	if priority != nil {
		p = *priority
	}
	if err := e.client.Queue(app).Put(ctx, jobID, p); err != nil {
		return false, err
	}
	slog.Debug("subtask queued", "app", app, "job_id", jobID, "priority", p)
	return true, nil
}

// ReaddSubtask re-queues a task that may be in any state, resetting
// retry_count and recursively resetting every completed descendant back to
// pending (spec §4.4). Descendants are not re-queued here — they re-queue
// naturally when this task completes and bubble-down fires.
func (e *Engine) ReaddSubtask(ctx context.Context, app, jobID string) error {
	snap, err := e.states.Inspect(ctx, app, jobID)
	if err != nil {
		return err
	}
	if snap.InQueue || snap.Executing {
		return stolos.NewTaskError(app, jobID, stolos.ErrJobAlreadyQueued)
	}

	if err := e.states.SetStateUnsafe(ctx, app, jobID, store.StatePending); err != nil {
		return err
	}
	// retry_count reset is part of the same logical operation as the state
	// reset; IncrementRetry deals in deltas, so resetRetryCount runs its own
	// CAS loop on the task record once the state write has landed.
	if err := e.resetRetryCount(ctx, app, jobID); err != nil {
		return err
	}
	if err := e.client.Queue(app).Put(ctx, jobID, defaultPriority); err != nil {
		return err
	}

	return e.resetDescendants(ctx, app, jobID)
}

func (e *Engine) resetRetryCount(ctx context.Context, app, jobID string) error {
	for {
		rec, rev, ok, err := e.client.GetTask(ctx, app, jobID)
		if err != nil {
			return err
		}
		if !ok || rec.RetryCount == 0 {
			return nil
		}
		rec.RetryCount = 0
		_, err = e.client.CompareAndSwapTask(ctx, app, jobID, rev, rec)
		if err == store.ErrCASConflict {
			continue
		}
		return err
	}
}

// resetDescendants walks every descendant of (app, jobID) in topological
// order (spec §9: iterative worklist, not recursion, to bound stack usage
// and give deterministic ordering) and resets any that are completed back to
// pending, without re-queueing them.
func (e *Engine) resetDescendants(ctx context.Context, app, jobID string) error {
	seen := map[dagview.Task]bool{{App: app, JobID: jobID}: true}
	worklist := []dagview.Task{{App: app, JobID: jobID}}

	var toReset []dagview.Task
	for len(worklist) > 0 {
		cur := worklist[0]
		worklist = worklist[1:]

		children, err := e.view.Children(cur.App, cur.JobID)
		if err != nil {
			return err
		}
		for _, c := range children {
			if seen[c] {
				continue
			}
			seen[c] = true
			worklist = append(worklist, c)
			toReset = append(toReset, c)
		}
	}

	ordered, err := e.view.TopologicalSort(toReset)
	if err != nil {
		return err
	}
	for _, d := range ordered {
		isCompleted, err := e.states.CheckState(ctx, d.App, d.JobID, store.StateCompleted)
		if err != nil {
			return err
		}
		if !isCompleted {
			continue
		}
		if err := e.states.SetStateUnsafe(ctx, d.App, d.JobID, store.StatePending); err != nil {
			return err
		}
		slog.Debug("descendant reset", "app", d.App, "job_id", d.JobID)
	}
	return nil
}

// EnsureParentsCompleted is called by a worker that has peeked (not yet
// consumed) (app, jobID) from the queue. It enumerates parents via the
// DagView and, for each not-yet-completed parent, attempts to lock and
// enqueue it (spec §4.4). See the three race scenarios (A/B/C) documented
// there; the two ambiguous cases noted in spec §9 are resolved as:
//   - bubble-down observed before the parent's own completion write lands
//     (pathological): this function cannot itself cause that case, but a
//     caller that sees a parent neither completed nor lockable for a reason
//     other than "currently executing" must still treat it as "exit
//     gracefully" — see runner.Iteration for the consuming side of that rule.
//   - partial parent-lock acquisition followed by a later parent found
//     executing: every lock already acquired in this call is released and
//     the return is (false, false, nil), so the caller cycles and retries
//     from scratch rather than holding a partial lock set.
func (e *Engine) EnsureParentsCompleted(ctx context.Context, app, jobID string, sess *store.Session) (allParentsCompleted bool, shouldConsumeSelf bool, parentLocks []*store.Lock, err error) {
	parents, err := e.view.Parents(app, jobID)
	if err != nil {
		return false, false, nil, err
	}

	var acquired []*store.Lock
	anyNotCompleted := false

	for _, p := range parents {
		completed, err := e.states.CheckState(ctx, p.App, p.JobID, store.StateCompleted)
		if err != nil {
			e.releaseAll(ctx, acquired)
			return false, false, nil, err
		}
		if completed {
			continue
		}
		anyNotCompleted = true

		lock, err := e.states.ObtainExecuteLock(ctx, p.App, p.JobID, sess)
		if err != nil {
			e.releaseAll(ctx, acquired)
			return false, false, nil, err
		}
		if lock == nil {
			// Parent is executing right now: do not enqueue it, and per
			// spec §9's resolved ambiguity, abandon every lock already
			// picked up in this call rather than hold a partial set.
			e.releaseAll(ctx, acquired)
			return false, false, nil, nil
		}
		acquired = append(acquired, lock)
		if _, err := e.MaybeAddSubtask(ctx, p.App, p.JobID, nil); err != nil {
			e.releaseAll(ctx, acquired)
			return false, false, nil, err
		}
	}

	if !anyNotCompleted {
		return true, false, nil, nil
	}
	return false, true, acquired, nil
}

// ReleaseLocks drops every lock in locks, logging (not failing) any
// individual release error — used by callers that have already consumed or
// cycled their own queue entry and must release the parent-locks they were
// holding during the inspection window (spec §4.4).
func (e *Engine) ReleaseLocks(ctx context.Context, locks []*store.Lock) {
	e.releaseAll(ctx, locks)
}

func (e *Engine) releaseAll(ctx context.Context, locks []*store.Lock) {
	for _, l := range locks {
		if err := e.client.ReleaseLock(ctx, l); err != nil {
			slog.Warn("release parent lock", "app", l.App, "job_id", l.JobID, "error", err)
		}
	}
}

// MaybeQueueChildren is called after the parent is marked completed (the
// caller MUST have already done that write — see the race-C reasoning in
// spec §4.4). For each child: skip if already completed/in_queue/executing;
// mark skipped and recurse if its valid_if_or is false; otherwise enqueue it.
func (e *Engine) MaybeQueueChildren(ctx context.Context, parentApp, parentJobID string) error {
	children, err := e.view.Children(parentApp, parentJobID)
	if err != nil {
		return err
	}
	ordered, err := e.view.TopologicalSort(children)
	if err != nil {
		return err
	}
	for _, c := range ordered {
		if err := e.maybeQueueOneChild(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) maybeQueueOneChild(ctx context.Context, c dagview.Task) error {
	snap, err := e.states.Inspect(ctx, c.App, c.JobID)
	if err != nil {
		return err
	}
	if snap.State == store.StateCompleted || snap.InQueue || snap.Executing {
		return nil
	}

	ok, err := e.view.ValidIfOr(c.App, c.JobID)
	if err != nil {
		return err
	}
	if !ok {
		if err := e.states.SetStateUnsafe(ctx, c.App, c.JobID, store.StateSkipped); err != nil {
			return err
		}
		slog.Debug("child skipped", "app", c.App, "job_id", c.JobID)
		return e.MaybeQueueChildren(ctx, c.App, c.JobID)
	}

	cfg, err := e.view.Options(c.App)
	if err != nil {
		return err
	}
	_, err = e.MaybeAddSubtask(ctx, c.App, c.JobID, cfg.Priority)
	return err
}
