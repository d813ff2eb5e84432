package depengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/stolos/internal/dagview"
	"github.com/swarmguard/stolos/internal/statestore"
	"github.com/swarmguard/stolos/internal/store"
)

// fixture is a three-stage chain: ingest -> transform -> report, each job id
// a single opaque field so tests can use plain integers as job ids.
func fixture(t *testing.T) (*Engine, *statestore.Store, store.Client) {
	t.Helper()
	doc := dagview.Document{
		Apps: map[string]dagview.AppConfig{
			"ingest":    {},
			"transform": {DependsOn: map[string]dagview.Dependency{"ingest": {Pin: []string{"job_id"}}}},
			"report":    {DependsOn: map[string]dagview.Dependency{"transform": {Pin: []string{"job_id"}}}},
		},
	}
	client := store.NewMemoryClient()
	grammar := dagview.NewGrammar()
	view := dagview.NewView(&dagview.StaticConfigSource{Doc: doc}, dagview.NewFuncRegistry(), grammar)
	states := statestore.New(client, view, grammar)
	engine := New(client, states, view)
	return engine, states, client
}

func TestMaybeAddSubtaskIsIdempotent(t *testing.T) {
	ctx := context.Background()
	engine, states, client := fixture(t)

	added, err := engine.MaybeAddSubtask(ctx, "ingest", "1", nil)
	require.NoError(t, err)
	require.True(t, added)

	added, err = engine.MaybeAddSubtask(ctx, "ingest", "1", nil)
	require.NoError(t, err)
	require.False(t, added, "already in_queue: second call is a no-op")

	snap, err := states.Inspect(ctx, "ingest", "1")
	require.NoError(t, err)
	require.True(t, snap.InQueue)
	require.Equal(t, store.StatePending, snap.State)

	size, err := client.Queue("ingest").Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, size)
}

func TestMaybeAddSubtaskSkipsCompleted(t *testing.T) {
	ctx := context.Background()
	engine, states, _ := fixture(t)

	require.NoError(t, states.SetStateUnsafe(ctx, "ingest", "1", store.StateCompleted))
	added, err := engine.MaybeAddSubtask(ctx, "ingest", "1", nil)
	require.NoError(t, err)
	require.False(t, added)
}

func TestMaybeQueueChildrenPushesOnCompletion(t *testing.T) {
	ctx := context.Background()
	engine, states, client := fixture(t)

	require.NoError(t, states.SetStateUnsafe(ctx, "ingest", "1", store.StateCompleted))
	require.NoError(t, engine.MaybeQueueChildren(ctx, "ingest", "1"))

	inQueue, err := client.Queue("transform").Contains(ctx, "1")
	require.NoError(t, err)
	require.True(t, inQueue, "transform should be pushed once its parent ingest completes")

	snap, err := states.Inspect(ctx, "transform", "1")
	require.NoError(t, err)
	require.Equal(t, store.StatePending, snap.State)
}

func TestEnsureParentsCompletedPullsMissingParent(t *testing.T) {
	ctx := context.Background()
	engine, states, client := fixture(t)

	sess, err := client.NewSession(ctx, time.Second)
	require.NoError(t, err)
	defer sess.Close()

	allDone, shouldConsume, locks, err := engine.EnsureParentsCompleted(ctx, "transform", "1", sess)
	require.NoError(t, err)
	require.False(t, allDone)
	require.True(t, shouldConsume)
	require.NotEmpty(t, locks)
	engine.ReleaseLocks(ctx, locks)

	inQueue, err := client.Queue("ingest").Contains(ctx, "1")
	require.NoError(t, err)
	require.True(t, inQueue, "the missing parent must be pulled in (bubble-up)")

	snap, err := states.Inspect(ctx, "ingest", "1")
	require.NoError(t, err)
	require.Equal(t, store.StatePending, snap.State)
}

func TestEnsureParentsCompletedAllDone(t *testing.T) {
	ctx := context.Background()
	engine, states, client := fixture(t)

	sess, err := client.NewSession(ctx, time.Second)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, states.SetStateUnsafe(ctx, "ingest", "1", store.StateCompleted))

	allDone, shouldConsume, locks, err := engine.EnsureParentsCompleted(ctx, "transform", "1", sess)
	require.NoError(t, err)
	require.True(t, allDone)
	require.False(t, shouldConsume)
	require.Empty(t, locks)
}

// TestEnsureParentsCompletedReleasesOnLaterExecutingParent covers the
// partial-lock-acquisition open question: when a later parent is found
// executing, every lock already acquired this call must be released and the
// caller told to retry from scratch.
func TestEnsureParentsCompletedReleasesOnLaterExecutingParent(t *testing.T) {
	ctx := context.Background()
	doc := dagview.Document{
		Apps: map[string]dagview.AppConfig{
			"p1": {},
			"p2": {},
			"child": {DependsOn: map[string]dagview.Dependency{
				"p1": {Pin: []string{"job_id"}},
				"p2": {Pin: []string{"job_id"}},
			}},
		},
	}
	client := store.NewMemoryClient()
	grammar := dagview.NewGrammar()
	view := dagview.NewView(&dagview.StaticConfigSource{Doc: doc}, dagview.NewFuncRegistry(), grammar)
	states := statestore.New(client, view, grammar)
	engine := New(client, states, view)

	executorSess, err := client.NewSession(ctx, time.Second)
	require.NoError(t, err)
	defer executorSess.Close()
	// p2 is already being executed by another worker.
	_, err = client.TryLock(ctx, "p2", "1", executorSess)
	require.NoError(t, err)

	sess, err := client.NewSession(ctx, time.Second)
	require.NoError(t, err)
	defer sess.Close()

	allDone, shouldConsume, locks, err := engine.EnsureParentsCompleted(ctx, "child", "1", sess)
	require.NoError(t, err)
	require.False(t, allDone)
	require.False(t, shouldConsume)
	require.Empty(t, locks, "every lock acquired so far must be released, not held partially")

	// p1 must not be left locked by this call either.
	locked, err := client.IsLocked(ctx, "p1", "1")
	require.NoError(t, err)
	require.False(t, locked)
}

// TestPathologicalBubbleDownBeforeCompletion: a child observed before its
// parent's completion write has landed must not be dequeued past the
// dependency check, and the parent must not be re-queued defensively.
func TestPathologicalBubbleDownBeforeCompletion(t *testing.T) {
	ctx := context.Background()
	engine, states, client := fixture(t)

	sess, err := client.NewSession(ctx, time.Second)
	require.NoError(t, err)
	defer sess.Close()

	// transform is queued by a premature bubble-down while ingest is still
	// only pending: ingest's worker holds its execute-lock and has not yet
	// written completed.
	require.NoError(t, states.SetStateUnsafe(ctx, "ingest", "1", store.StatePending))
	executorSess, err := client.NewSession(ctx, time.Second)
	require.NoError(t, err)
	defer executorSess.Close()
	_, err = client.TryLock(ctx, "ingest", "1", executorSess)
	require.NoError(t, err)
	_, err = engine.MaybeAddSubtask(ctx, "transform", "1", nil)
	require.NoError(t, err)

	allDone, shouldConsume, locks, err := engine.EnsureParentsCompleted(ctx, "transform", "1", sess)
	require.NoError(t, err)
	require.False(t, allDone, "parent is not completed, so transform cannot proceed")
	require.False(t, shouldConsume, "transform must not consume its own queue entry")
	engine.ReleaseLocks(ctx, locks)

	// ingest must not have been queued defensively by this call.
	size, err := client.Queue("ingest").Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, size)
}

func TestReaddSubtaskRejectsDoubleQueue(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := fixture(t)

	_, err := engine.MaybeAddSubtask(ctx, "ingest", "1", nil)
	require.NoError(t, err)

	err = engine.ReaddSubtask(ctx, "ingest", "1")
	require.Error(t, err)
}

func TestReaddSubtaskRejectsExecutingTask(t *testing.T) {
	ctx := context.Background()
	engine, _, client := fixture(t)

	_, err := engine.MaybeAddSubtask(ctx, "ingest", "1", nil)
	require.NoError(t, err)

	sess, err := client.NewSession(ctx, time.Second)
	require.NoError(t, err)
	defer sess.Close()
	_, err = client.TryLock(ctx, "ingest", "1", sess)
	require.NoError(t, err)

	err = engine.ReaddSubtask(ctx, "ingest", "1")
	require.Error(t, err)

	size, err := client.Queue("ingest").Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, size, "readd must not create a second queue entry for an executing task")
}

func TestReaddSubtaskResetsCompletedDescendants(t *testing.T) {
	ctx := context.Background()
	engine, states, client := fixture(t)

	require.NoError(t, states.SetStateUnsafe(ctx, "ingest", "1", store.StateCompleted))
	require.NoError(t, states.SetStateUnsafe(ctx, "transform", "1", store.StateCompleted))
	require.NoError(t, states.SetStateUnsafe(ctx, "report", "1", store.StateCompleted))

	require.NoError(t, engine.ReaddSubtask(ctx, "ingest", "1"))

	ingestSnap, err := states.Inspect(ctx, "ingest", "1")
	require.NoError(t, err)
	require.Equal(t, store.StatePending, ingestSnap.State)
	require.True(t, ingestSnap.InQueue)

	transformSnap, err := states.Inspect(ctx, "transform", "1")
	require.NoError(t, err)
	require.Equal(t, store.StatePending, transformSnap.State)
	require.False(t, transformSnap.InQueue, "descendants reset to pending but not re-queued")

	reportSnap, err := states.Inspect(ctx, "report", "1")
	require.NoError(t, err)
	require.Equal(t, store.StatePending, reportSnap.State)

	_ = client
}
