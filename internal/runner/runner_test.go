package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/stolos/internal/dagview"
	"github.com/swarmguard/stolos/internal/depengine"
	"github.com/swarmguard/stolos/internal/pluginrunner"
	"github.com/swarmguard/stolos/internal/statestore"
	"github.com/swarmguard/stolos/internal/store"
)

// scriptedRunner returns a fixed outcome on every call, used to drive the
// runner's retry/cycle/complete branches deterministically.
type scriptedRunner struct {
	outcome pluginrunner.Outcome
	err     error
	calls   int
}

func (s *scriptedRunner) Run(ctx context.Context, app, jobID string, opts pluginrunner.Options) (pluginrunner.Result, error) {
	s.calls++
	return pluginrunner.Result{Outcome: s.outcome}, s.err
}

func buildRunner(t *testing.T, doc dagview.Document, plugin pluginrunner.PluginRunner) (*Runner, store.Client, *statestore.Store) {
	t.Helper()
	client := store.NewMemoryClient()
	grammar := dagview.NewGrammar()
	view := dagview.NewView(&dagview.StaticConfigSource{Doc: doc}, dagview.NewFuncRegistry(), grammar)
	states := statestore.New(client, view, grammar)
	engine := depengine.New(client, states, view)
	registry := pluginrunner.NewRegistry()
	registry.Register("bash", plugin)
	r := New(client, view, states, engine, registry, time.Second)
	return r, client, states
}

func simpleDoc() dagview.Document {
	return dagview.Document{
		Apps: map[string]dagview.AppConfig{
			"ingest": {JobType: "bash", MaxRetry: 2},
		},
	}
}

func TestIterationNoWorkWhenQueueEmpty(t *testing.T) {
	ctx := context.Background()
	r, _, _ := buildRunner(t, simpleDoc(), &scriptedRunner{outcome: pluginrunner.OutcomeCompleted})

	out, err := r.Iteration(ctx, "ingest", Options{})
	require.NoError(t, err)
	require.True(t, out.NoWork)
}

func TestIterationNormalModeCompletesTask(t *testing.T) {
	ctx := context.Background()
	r, client, _ := buildRunner(t, simpleDoc(), &scriptedRunner{outcome: pluginrunner.OutcomeCompleted})
	require.NoError(t, client.Queue("ingest").Put(ctx, "1", 50))

	out, err := r.Iteration(ctx, "ingest", Options{})
	require.NoError(t, err)
	require.True(t, out.Ran)
	require.Equal(t, store.StateCompleted, out.State)

	size, err := client.Queue("ingest").Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestIterationPluginFailureCyclesUntilRetryExceeded(t *testing.T) {
	ctx := context.Background()
	plugin := &scriptedRunner{outcome: pluginrunner.OutcomeFailed}
	r, client, _ := buildRunner(t, simpleDoc(), plugin)
	require.NoError(t, client.Queue("ingest").Put(ctx, "1", 50))

	// max_retry is 2: the first two failures cycle the job, the third fails it.
	for i := 0; i < 2; i++ {
		out, err := r.Iteration(ctx, "ingest", Options{})
		require.Error(t, err)
		require.Equal(t, store.StatePending, out.State)
	}
	out, err := r.Iteration(ctx, "ingest", Options{})
	require.Error(t, err)
	require.Equal(t, store.StateFailed, out.State)

	size, err := client.Queue("ingest").Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size, "job is consumed out of the queue once it is finally failed")
}

func TestIterationManualModeSkipsQueuedJob(t *testing.T) {
	ctx := context.Background()
	r, client, _ := buildRunner(t, simpleDoc(), &scriptedRunner{outcome: pluginrunner.OutcomeCompleted})
	require.NoError(t, client.Queue("ingest").Put(ctx, "1", 50))

	out, err := r.Iteration(ctx, "ingest", Options{ManualJobID: "1"})
	require.NoError(t, err)
	require.NotEmpty(t, out.Warning, "already in_queue jobs are refused in manual mode")
}

func TestIterationManualModeRunsUnqueuedJob(t *testing.T) {
	ctx := context.Background()
	r, _, states := buildRunner(t, simpleDoc(), &scriptedRunner{outcome: pluginrunner.OutcomeCompleted})

	out, err := r.Iteration(ctx, "ingest", Options{ManualJobID: "1"})
	require.NoError(t, err)
	require.True(t, out.Ran)
	require.Equal(t, store.StateCompleted, out.State)

	ok, err := states.CheckState(ctx, "ingest", "1", store.StateCompleted)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestIterationBypassSchedulerRecordsNoState(t *testing.T) {
	ctx := context.Background()
	r, _, states := buildRunner(t, simpleDoc(), &scriptedRunner{outcome: pluginrunner.OutcomeCompleted})

	out, err := r.Iteration(ctx, "ingest", Options{BypassScheduler: true, ManualJobID: "1"})
	require.NoError(t, err)
	require.Equal(t, store.StateCompleted, out.State)

	ok, err := states.CheckState(ctx, "ingest", "1", store.StateAbsent)
	require.NoError(t, err)
	require.True(t, ok, "bypass mode never touches the coordination store's task record")
}

func TestIterationSkipsInvalidFilterAndQueuesChildren(t *testing.T) {
	ctx := context.Background()
	doc := dagview.Document{
		Apps: map[string]dagview.AppConfig{
			"ingest": {
				JobType:   "bash",
				ValidIfOr: &dagview.ValidIfOr{Values: map[string][]string{"job_id": {"nope"}}},
			},
			"report": {
				JobType:   "bash",
				DependsOn: map[string]dagview.Dependency{"ingest": {Pin: []string{"job_id"}}},
			},
		},
	}
	r, client, states := buildRunner(t, doc, &scriptedRunner{outcome: pluginrunner.OutcomeCompleted})
	require.NoError(t, client.Queue("ingest").Put(ctx, "1", 50))

	out, err := r.Iteration(ctx, "ingest", Options{})
	require.NoError(t, err)
	require.Equal(t, store.StateSkipped, out.State)

	ok, err := states.CheckState(ctx, "ingest", "1", store.StateSkipped)
	require.NoError(t, err)
	require.True(t, ok)

	inQueue, err := client.Queue("report").Contains(ctx, "1")
	require.NoError(t, err)
	require.True(t, inQueue, "a skipped task still bubbles down to its children")
}

// TestIterationFailsInvalidJobIDWithoutCrashing mirrors the original
// implementation's invalid-queued-job-id regression: a malformed job_id that
// reaches the queue by some external means must be failed and drained on the
// very first poll, not retried or left to jam the queue forever.
func TestIterationFailsInvalidJobIDWithoutCrashing(t *testing.T) {
	ctx := context.Background()
	doc := dagview.Document{
		Apps: map[string]dagview.AppConfig{
			"ingest": {JobType: "bash", JobIDGrammar: []string{"date", "counter"}},
		},
	}
	r, client, states := buildRunner(t, doc, &scriptedRunner{outcome: pluginrunner.OutcomeCompleted})

	// Bypass grammar validation the way an external writer to the store
	// could: queue and record a job_id that does not parse against the
	// app's job_id_grammar.
	require.NoError(t, states.SetStateUnsafe(ctx, "ingest", "not-a-valid-id", store.StatePending))
	require.NoError(t, client.Queue("ingest").Put(ctx, "not-a-valid-id", 50))

	out, err := r.Iteration(ctx, "ingest", Options{})
	require.Error(t, err)
	require.True(t, out.Ran)
	require.Equal(t, store.StateFailed, out.State)

	ok, err := states.CheckState(ctx, "ingest", "not-a-valid-id", store.StateFailed)
	require.NoError(t, err)
	require.True(t, ok)

	size, err := client.Queue("ingest").Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size, "the malformed task must be drained from the queue, not left to jam it")
}

func TestIterationPullsInParentWhenParentNotCompleted(t *testing.T) {
	ctx := context.Background()
	doc := dagview.Document{
		Apps: map[string]dagview.AppConfig{
			"ingest": {JobType: "bash"},
			"transform": {
				JobType:   "bash",
				DependsOn: map[string]dagview.Dependency{"ingest": {Pin: []string{"job_id"}}},
			},
		},
	}
	r, client, _ := buildRunner(t, doc, &scriptedRunner{outcome: pluginrunner.OutcomeCompleted})
	require.NoError(t, client.Queue("transform").Put(ctx, "1", 50))

	out, err := r.Iteration(ctx, "transform", Options{})
	require.NoError(t, err)
	require.Equal(t, store.StatePending, out.State)

	inQueue, err := client.Queue("ingest").Contains(ctx, "1")
	require.NoError(t, err)
	require.True(t, inQueue, "missing parent gets pulled in")
}
