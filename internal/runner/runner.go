// Package runner is one worker iteration: pull a job, decide, execute,
// record outcome (spec §4.5). It is the only component that ties the
// dependency engine, state store, and plugin runner together into a single
// pass a CLI invocation or a scheduler tick can call once.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/stolos/internal/dagview"
	"github.com/swarmguard/stolos/internal/depengine"
	"github.com/swarmguard/stolos/internal/pluginrunner"
	"github.com/swarmguard/stolos/internal/statestore"
	"github.com/swarmguard/stolos/internal/stolos"
	"github.com/swarmguard/stolos/internal/store"
)

// Outcome summarizes what one Iteration call did, for logging/exit-code
// decisions in cmd/stolos.
type Outcome struct {
	Ran       bool
	App       string
	JobID     string
	State     store.TaskState
	NoWork    bool
	Warning   string
}

// Options configures one Iteration call, mirroring spec §6's CLI surface.
type Options struct {
	// ManualJobID, if non-empty, selects manual mode (spec §4.5 step 1).
	ManualJobID string
	// BypassScheduler runs the plugin inline with no state recorded.
	BypassScheduler bool
	// MaxRetryOverride, if non-nil, replaces the app's configured max_retry.
	MaxRetryOverride *int
	// Timeout bounds plugin execution.
	Timeout time.Duration
	// BashCmd/RedirectToStderr are passed through to a bash PluginRunner.
	BashCmd          string
	RedirectToStderr bool
}

// Runner ties the engine, state store, DagView, and plugin registry into one
// Iteration call.
type Runner struct {
	client   store.Client
	view     dagview.View
	states   *statestore.Store
	engine   *depengine.Engine
	plugins  *pluginrunner.Registry
	sessTTL  time.Duration
	tracer   trace.Tracer
}

// New builds a Runner. sessionTTL governs how long the runner's own
// coordination-store session is considered alive between heartbeats.
func New(client store.Client, view dagview.View, states *statestore.Store, engine *depengine.Engine, plugins *pluginrunner.Registry, sessionTTL time.Duration) *Runner {
	return &Runner{client: client, view: view, states: states, engine: engine, plugins: plugins, sessTTL: sessionTTL, tracer: otel.Tracer("stolos")}
}

// Iteration runs one pull-decide-execute-record pass for app, per spec
// §4.5's numbered steps. A failed task does not abort the caller's loop: a
// plugin failure is recorded (Outcome.State pending while retries remain,
// failed once they are exhausted) and returned together with a
// *stolos.TaskError wrapping ErrPluginFailed or ErrPluginMaxRetriesExceeded,
// and a job_id that fails its grammar is recorded failed and returned with a
// TaskError wrapping ErrInvalidJobId. Any other non-nil error is a
// store/config-class failure that is fatal for this iteration.
func (r *Runner) Iteration(ctx context.Context, app string, opts Options) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "runner.iteration", trace.WithAttributes(attribute.String("app", app)))
	defer span.End()

	if opts.BypassScheduler {
		return r.runBypass(ctx, app, opts)
	}

	sess, err := r.client.NewSession(ctx, r.sessTTL)
	if err != nil {
		return Outcome{}, stolos.NewTaskError(app, "", stolos.ErrStoreError)
	}
	defer sess.Close()

	if opts.ManualJobID != "" {
		return r.runManual(ctx, app, opts.ManualJobID, sess, opts)
	}
	return r.runNormal(ctx, app, sess, opts)
}

func (r *Runner) runBypass(ctx context.Context, app string, opts Options) (Outcome, error) {
	jobID := opts.ManualJobID
	result, err := r.invokePlugin(ctx, app, jobID, opts)
	if err != nil {
		slog.Warn("bypass plugin error", "app", app, "job_id", jobID, "error", err)
	}
	state := store.StateFailed
	if result.Outcome == pluginrunner.OutcomeCompleted {
		state = store.StateCompleted
	} else if result.Outcome == pluginrunner.OutcomeSkipped {
		state = store.StateSkipped
	}
	return Outcome{Ran: true, App: app, JobID: jobID, State: state}, nil
}

func (r *Runner) runManual(ctx context.Context, app, jobID string, sess *store.Session, opts Options) (Outcome, error) {
	snap, err := r.states.Inspect(ctx, app, jobID)
	if err != nil {
		return Outcome{}, err
	}
	if snap.State == store.StateCompleted || snap.InQueue || snap.Executing {
		return Outcome{App: app, JobID: jobID, Warning: "manual job already completed, queued, or locked"}, nil
	}
	return r.processTask(ctx, app, jobID, sess, opts, true)
}

func (r *Runner) runNormal(ctx context.Context, app string, sess *store.Session, opts Options) (Outcome, error) {
	item, ok, err := r.client.Queue(app).Get(ctx, sess)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{NoWork: true, App: app}, nil
	}
	return r.processTask(ctx, app, item.JobID, sess, opts, false)
}

// processTask is spec §4.5 steps 3-7, shared between normal and manual mode
// (manual mode still enforces dependency and lock checks, it only bypasses
// queue selection).
func (r *Runner) processTask(ctx context.Context, app, jobID string, sess *store.Session, opts Options, manual bool) (Outcome, error) {
	q := r.client.Queue(app)

	// Step 3: valid_if_or filter.
	valid, err := r.view.ValidIfOr(app, jobID)
	if err != nil {
		if errors.Is(err, stolos.ErrInvalidJobId) {
			return r.failInvalidJobID(ctx, app, jobID, q, sess, manual)
		}
		r.releaseQueueEntry(ctx, q, sess, manual)
		return Outcome{}, err
	}
	if !valid {
		if err := r.states.SetStateUnsafe(ctx, app, jobID, store.StateSkipped); err != nil {
			return Outcome{}, err
		}
		if !manual {
			if err := q.Consume(ctx, sess); err != nil {
				return Outcome{}, err
			}
		}
		if err := r.engine.MaybeQueueChildren(ctx, app, jobID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Ran: true, App: app, JobID: jobID, State: store.StateSkipped}, nil
	}

	// Step 4: ensure parents completed.
	allDone, shouldConsumeSelf, parentLocks, err := r.engine.EnsureParentsCompleted(ctx, app, jobID, sess)
	if err != nil {
		if errors.Is(err, stolos.ErrInvalidJobId) {
			return r.failInvalidJobID(ctx, app, jobID, q, sess, manual)
		}
		r.releaseQueueEntry(ctx, q, sess, manual)
		return Outcome{}, err
	}
	if !allDone {
		if !manual {
			if shouldConsumeSelf {
				err = q.Consume(ctx, sess)
			} else {
				err = q.Cycle(ctx, sess)
			}
		}
		r.engine.ReleaseLocks(ctx, parentLocks)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Ran: true, App: app, JobID: jobID, State: store.StatePending}, nil
	}
	r.engine.ReleaseLocks(ctx, parentLocks)

	// Step 5: obtain own execute-lock.
	lock, err := r.states.ObtainExecuteLock(ctx, app, jobID, sess)
	if err != nil {
		r.releaseQueueEntry(ctx, q, sess, manual)
		return Outcome{}, err
	}
	if lock == nil {
		if !manual {
			if err := q.Cycle(ctx, sess); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{App: app, JobID: jobID, Warning: "execute-lock held by another worker"}, nil
	}
	defer r.client.ReleaseLock(ctx, lock)

	// Step 6: record pending, invoke plugin, record outcome.
	if err := r.states.SetStateUnsafe(ctx, app, jobID, store.StatePending); err != nil {
		r.releaseQueueEntry(ctx, q, sess, manual)
		return Outcome{}, err
	}

	result, pluginErr := r.invokePlugin(ctx, app, jobID, opts)
	if pluginErr != nil || result.Outcome != pluginrunner.OutcomeCompleted {
		return r.handlePluginFailure(ctx, app, jobID, q, sess, opts, manual, result, pluginErr)
	}

	if err := r.states.SetStateUnsafe(ctx, app, jobID, store.StateCompleted); err != nil {
		return Outcome{}, err
	}
	if !manual {
		if err := q.Consume(ctx, sess); err != nil {
			return Outcome{}, err
		}
	}
	if err := r.engine.MaybeQueueChildren(ctx, app, jobID); err != nil {
		return Outcome{}, err
	}
	return Outcome{Ran: true, App: app, JobID: jobID, State: store.StateCompleted}, nil
}

func (r *Runner) handlePluginFailure(ctx context.Context, app, jobID string, q store.Queue, sess *store.Session, opts Options, manual bool, result pluginrunner.Result, pluginErr error) (Outcome, error) {
	cfg, err := r.view.Options(app)
	if err != nil {
		return Outcome{}, err
	}
	maxRetry := cfg.MaxRetry
	if opts.MaxRetryOverride != nil {
		maxRetry = *opts.MaxRetryOverride
	}

	newCount, exceeded, err := r.states.IncrementRetry(ctx, app, jobID, maxRetry)
	if err != nil {
		return Outcome{}, err
	}
	slog.Warn("plugin failed", "app", app, "job_id", jobID, "retry_count", newCount, "error", pluginErr, "message", result.Message)

	if exceeded {
		if err := r.states.SetStateUnsafe(ctx, app, jobID, store.StateFailed); err != nil {
			return Outcome{}, err
		}
		if !manual {
			if err := q.Consume(ctx, sess); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{Ran: true, App: app, JobID: jobID, State: store.StateFailed}, stolos.NewTaskError(app, jobID, stolos.ErrPluginMaxRetriesExceeded)
	}

	if !manual {
		if err := q.Cycle(ctx, sess); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Ran: true, App: app, JobID: jobID, State: store.StatePending}, stolos.NewTaskError(app, jobID, stolos.ErrPluginFailed)
}

func (r *Runner) invokePlugin(ctx context.Context, app, jobID string, opts Options) (pluginrunner.Result, error) {
	cfg, err := r.view.Options(app)
	if err != nil {
		return pluginrunner.Result{Outcome: pluginrunner.OutcomeFailed}, err
	}
	runner, ok := r.plugins.Lookup(cfg.JobType)
	if !ok {
		return pluginrunner.Result{Outcome: pluginrunner.OutcomeFailed}, errors.New("runner: no plugin registered for job_type " + cfg.JobType)
	}

	pluginCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		pluginCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	bashCmd := opts.BashCmd
	if bashCmd == "" {
		bashCmd = cfg.BashCmd
	}
	iterationID := uuid.NewString()
	slog.Debug("invoking plugin", "app", app, "job_id", jobID, "job_type", cfg.JobType, "iteration_id", iterationID)
	return runner.Run(pluginCtx, app, jobID, pluginrunner.Options{BashCmd: bashCmd, RedirectToStderr: opts.RedirectToStderr})
}

// failInvalidJobID handles a job_id that fails its app's grammar once it has
// already reached the queue (spec §7: such a task "is failed at execution
// time after a single attempt" rather than retried, since no amount of
// retrying will make a malformed id parse). Unlike the generic fatal-error
// path, this consumes the queue entry instead of releasing it, so the
// malformed task is drained rather than handed back to the next poll.
func (r *Runner) failInvalidJobID(ctx context.Context, app, jobID string, q store.Queue, sess *store.Session, manual bool) (Outcome, error) {
	if err := r.states.SetStateUnsafe(ctx, app, jobID, store.StateFailed); err != nil {
		return Outcome{}, err
	}
	if !manual {
		if err := q.Consume(ctx, sess); err != nil {
			return Outcome{}, err
		}
	}
	slog.Warn("invalid job_id failed at execution time", "app", app, "job_id", jobID)
	return Outcome{Ran: true, App: app, JobID: jobID, State: store.StateFailed}, stolos.NewTaskError(app, jobID, stolos.ErrInvalidJobId)
}

func (r *Runner) releaseQueueEntry(ctx context.Context, q store.Queue, sess *store.Session, manual bool) {
	if manual {
		return
	}
	if err := q.Release(ctx, sess); err != nil {
		slog.Warn("release queue entry", "error", err)
	}
}
