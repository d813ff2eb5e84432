package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryQueuePriorityOrdering(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()
	q := c.Queue("reports")

	require.NoError(t, q.Put(ctx, "low", 100))
	require.NoError(t, q.Put(ctx, "high", 10))
	require.NoError(t, q.Put(ctx, "mid", 50))

	sess, err := c.NewSession(ctx, time.Second)
	require.NoError(t, err)
	defer sess.Close()

	item, ok, err := q.Get(ctx, sess)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "high", item.JobID)
}

func TestMemoryQueueGetConsumeCycle(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()
	q := c.Queue("reports")
	require.NoError(t, q.Put(ctx, "a", 50))
	require.NoError(t, q.Put(ctx, "b", 50))

	sess, err := c.NewSession(ctx, time.Second)
	require.NoError(t, err)
	defer sess.Close()

	item, ok, err := q.Get(ctx, sess)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", item.JobID)

	// A second session cannot peek the same held head.
	other, err := c.NewSession(ctx, time.Second)
	require.NoError(t, err)
	defer other.Close()
	_, ok, err = q.Get(ctx, other)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, q.Consume(ctx, sess))
	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, size)

	item, ok, err = q.Get(ctx, sess)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", item.JobID)
	require.NoError(t, q.Cycle(ctx, sess))

	size, err = q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, size)
	contains, err := q.Contains(ctx, "b")
	require.NoError(t, err)
	require.True(t, contains)
}

func TestMemoryQueueReleaseOnSessionLoss(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()
	q := c.Queue("reports")
	require.NoError(t, q.Put(ctx, "a", 50))

	sess, err := c.NewSession(ctx, time.Second)
	require.NoError(t, err)

	_, ok, err := q.Get(ctx, sess)
	require.NoError(t, err)
	require.True(t, ok)

	SimulateSessionCrash(sess)

	other, err := c.NewSession(ctx, time.Second)
	require.NoError(t, err)
	defer other.Close()

	item, ok, err := q.Get(ctx, other)
	require.NoError(t, err)
	require.True(t, ok, "a dead session's peek must be reclaimable")
	require.Equal(t, "a", item.JobID)
}

func TestMemoryTaskCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()

	_, rev, ok, err := c.GetTask(ctx, "reports", "j1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, rev)

	newRev, err := c.CompareAndSwapTask(ctx, "reports", "j1", 0, TaskRecord{State: StatePending})
	require.NoError(t, err)
	require.Equal(t, uint64(1), newRev)

	_, err = c.CompareAndSwapTask(ctx, "reports", "j1", 0, TaskRecord{State: StateCompleted})
	require.ErrorIs(t, err, ErrCASConflict)

	_, err = c.CompareAndSwapTask(ctx, "reports", "j1", newRev, TaskRecord{State: StateCompleted})
	require.NoError(t, err)
	rec, _, ok, err := c.GetTask(ctx, "reports", "j1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateCompleted, rec.State)
}

func TestMemoryLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()

	sessA, err := c.NewSession(ctx, time.Second)
	require.NoError(t, err)
	defer sessA.Close()
	sessB, err := c.NewSession(ctx, time.Second)
	require.NoError(t, err)
	defer sessB.Close()

	lock, err := c.TryLock(ctx, "reports", "j1", sessA)
	require.NoError(t, err)
	require.NotNil(t, lock)

	_, err = c.TryLock(ctx, "reports", "j1", sessB)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, c.ReleaseLock(ctx, lock))

	lock, err = c.TryLock(ctx, "reports", "j1", sessB)
	require.NoError(t, err)
	require.NotNil(t, lock)
}
