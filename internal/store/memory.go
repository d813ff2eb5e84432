package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// NewMemoryClient returns an in-memory Client with the same session-loss
// semantics as the BoltDB-backed implementation, for use in tests (spec §9:
// "a test implementation is in-memory with simulated session loss").
func NewMemoryClient() Client {
	return &memoryClient{
		tasks:  make(map[taskKey]*memTaskRecord),
		locks:  make(map[taskKey]*memLock),
		queues: make(map[string]*memoryQueue),
	}
}

type taskKey struct{ app, job string }

type memTaskRecord struct {
	rec TaskRecord
	rev uint64
}

type memLock struct {
	owner *Session
}

type memoryClient struct {
	mu     sync.Mutex
	tasks  map[taskKey]*memTaskRecord
	locks  map[taskKey]*memLock
	qmu    sync.Mutex
	queues map[string]*memoryQueue
}

func (c *memoryClient) NewSession(ctx context.Context, ttl time.Duration) (*Session, error) {
	sess := newSession(ttl)
	sess.startHeartbeat(ctx)
	return sess, nil
}

func (c *memoryClient) GetTask(ctx context.Context, app, jobID string) (TaskRecord, uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.tasks[taskKey{app, jobID}]
	if !ok {
		return TaskRecord{}, 0, false, nil
	}
	return rec.rec, rec.rev, true, nil
}

func (c *memoryClient) CompareAndSwapTask(ctx context.Context, app, jobID string, expectedRev uint64, rec TaskRecord) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := taskKey{app, jobID}
	cur, ok := c.tasks[key]
	curRev := uint64(0)
	if ok {
		curRev = cur.rev
	}
	if curRev != expectedRev {
		return 0, ErrCASConflict
	}
	newRev := curRev + 1
	c.tasks[key] = &memTaskRecord{rec: rec, rev: newRev}
	return newRev, nil
}

func (c *memoryClient) TryLock(ctx context.Context, app, jobID string, sess *Session) (*Lock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := taskKey{app, jobID}
	existing, ok := c.locks[key]
	if ok && existing.owner.Alive() {
		if existing.owner.ID == sess.ID {
			return &Lock{App: app, JobID: jobID, Owner: sess}, nil
		}
		return nil, ErrLockHeld
	}
	c.locks[key] = &memLock{owner: sess}
	return &Lock{App: app, JobID: jobID, Owner: sess}, nil
}

func (c *memoryClient) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := taskKey{lock.App, lock.JobID}
	if existing, ok := c.locks[key]; ok && existing.owner.ID == lock.Owner.ID {
		delete(c.locks, key)
	}
	return nil
}

func (c *memoryClient) IsLocked(ctx context.Context, app, jobID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.locks[taskKey{app, jobID}]
	return ok && existing.owner.Alive(), nil
}

func (c *memoryClient) Queue(app string) Queue {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	q, ok := c.queues[app]
	if !ok {
		q = &memoryQueue{app: app}
		c.queues[app] = q
	}
	return q
}

func (c *memoryClient) Close() error { return nil }

type queueEntry struct {
	jobID    string
	priority int
	seq      uint64
	heldBy   *Session
}

type memoryQueue struct {
	mu      sync.Mutex
	app     string
	items   []*queueEntry
	nextSeq uint64
}

func (q *memoryQueue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].priority != q.items[j].priority {
			return q.items[i].priority < q.items[j].priority
		}
		return q.items[i].seq < q.items[j].seq
	})
}

func (q *memoryQueue) Put(ctx context.Context, jobID string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	q.items = append(q.items, &queueEntry{jobID: jobID, priority: priority, seq: q.nextSeq})
	q.sortLocked()
	return nil
}

func (q *memoryQueue) Get(ctx context.Context, sess *Session) (QueueItem, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sortLocked()
	if len(q.items) == 0 {
		return QueueItem{}, false, nil
	}
	head := q.items[0]
	if head.heldBy != nil && head.heldBy.Alive() {
		if sameLiveSession(head.heldBy, sess) {
			return QueueItem{JobID: head.jobID, Priority: head.priority}, true, nil
		}
		return QueueItem{}, false, nil
	}
	head.heldBy = sess
	return QueueItem{JobID: head.jobID, Priority: head.priority}, true, nil
}

func (q *memoryQueue) Consume(ctx context.Context, sess *Session) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return ErrQueueEmpty
	}
	head := q.items[0]
	if head.heldBy == nil || head.heldBy.ID != sess.ID {
		return ErrNotHeld
	}
	q.items = q.items[1:]
	return nil
}

func (q *memoryQueue) Cycle(ctx context.Context, sess *Session) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return ErrQueueEmpty
	}
	head := q.items[0]
	if head.heldBy == nil || head.heldBy.ID != sess.ID {
		return ErrNotHeld
	}
	q.items = q.items[1:]
	q.nextSeq++
	q.items = append(q.items, &queueEntry{jobID: head.jobID, priority: head.priority, seq: q.nextSeq})
	return nil
}

func (q *memoryQueue) Release(ctx context.Context, sess *Session) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	if head.heldBy != nil && head.heldBy.ID == sess.ID {
		head.heldBy = nil
	}
	return nil
}

func (q *memoryQueue) Contains(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.items {
		if e.jobID == jobID {
			return true, nil
		}
	}
	return false, nil
}

func (q *memoryQueue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}
