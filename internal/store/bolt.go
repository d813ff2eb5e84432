package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/stolos/internal/resilience"
)

// Bucket names. Tasks and locks key on app\x00jobID so every app shares one
// bucket rather than one bucket per app (spec §4.1 describes per-app
// namespacing as a key-space concept, not a storage-engine requirement).
var (
	bucketTasks    = []byte("tasks")
	bucketLocks    = []byte("locks")
	bucketSessions = []byte("sessions")
	bucketQueues   = []byte("queues")
	bucketQueueSeq = []byte("queue_seq")
)

// boltClient is the production Client backed by BoltDB, grounded on the
// teacher's WorkflowStore: bbolt.Open with a short open timeout, one bucket
// per concern created up front, JSON-encoded values, otel histograms around
// every read/write.
type boltClient struct {
	db *bbolt.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// NewBoltClient opens (creating if absent) a BoltDB file at path and returns
// a production Client.
func NewBoltClient(path string) (Client, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoGrowSync:   false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, errors.Wrap(err, "open boltdb")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketLocks, bucketSessions, bucketQueues, bucketQueueSeq} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}

	meter := otel.Meter("stolos")
	readLatency, _ := meter.Float64Histogram("stolos_store_db_read_ms")
	writeLatency, _ := meter.Float64Histogram("stolos_store_db_write_ms")

	return &boltClient{db: db, readLatency: readLatency, writeLatency: writeLatency}, nil
}

// DB exposes the underlying *bbolt.DB so a caller that already knows it is
// holding a boltClient (e.g. the scheduler, which persists its own schedule
// bucket into the same file) can share one open database handle instead of
// opening a second one.
func (c *boltClient) DB() *bbolt.DB {
	return c.db
}

func taskLockKey(app, jobID string) []byte {
	return []byte(app + "\x00" + jobID)
}

func (c *boltClient) recordRead(ctx context.Context, op string, start time.Time) {
	c.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func (c *boltClient) recordWrite(ctx context.Context, op string, start time.Time) {
	c.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

// --- sessions ---

type leaseRecord struct {
	ExpiresAt time.Time
}

// persistLease retries transient bbolt write failures with backoff: under
// heavy multi-process contention a heartbeat write can collide with another
// worker's transaction, and losing a single heartbeat tick to that would
// otherwise look like a dead session to everyone else.
func (c *boltClient) persistLease(ctx context.Context, sessionID string, ttl time.Duration) error {
	data, err := json.Marshal(leaseRecord{ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return err
	}
	_, err = resilience.Retry(ctx, 3, 20*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, c.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketSessions).Put([]byte(sessionID), data)
		})
	})
	return err
}

func (c *boltClient) deleteLease(sessionID string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(sessionID))
	})
}

// sessionAliveLocked reports liveness of sessionID using an already-open
// transaction, so lock/queue checks and the liveness check are consistent
// within one bbolt snapshot.
func sessionAliveLocked(tx *bbolt.Tx, sessionID string) bool {
	data := tx.Bucket(bucketSessions).Get([]byte(sessionID))
	if data == nil {
		return false
	}
	var lease leaseRecord
	if err := json.Unmarshal(data, &lease); err != nil {
		return false
	}
	return time.Now().Before(lease.ExpiresAt)
}

func (c *boltClient) NewSession(ctx context.Context, ttl time.Duration) (*Session, error) {
	sess := newSession(ttl)
	sess.withHooks(
		func() {
			if err := c.persistLease(context.Background(), sess.ID, sess.ttl); err != nil {
				slog.Error("renew lease", "session_id", sess.ID, "error", err)
			}
		},
		func() {
			_ = c.deleteLease(sess.ID)
		},
	)
	if err := c.persistLease(ctx, sess.ID, ttl); err != nil {
		return nil, errors.Wrap(err, "persist initial lease")
	}
	sess.startHeartbeat(ctx)
	return sess, nil
}

// --- tasks ---

type boltTaskRecord struct {
	Rec TaskRecord
	Rev uint64
}

func (c *boltClient) GetTask(ctx context.Context, app, jobID string) (TaskRecord, uint64, bool, error) {
	start := time.Now()
	defer c.recordRead(ctx, "get_task", start)

	var rec boltTaskRecord
	found := false
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get(taskLockKey(app, jobID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return TaskRecord{}, 0, false, fmt.Errorf("read task: %w", err)
	}
	if !found {
		return TaskRecord{}, 0, false, nil
	}
	return rec.Rec, rec.Rev, true, nil
}

func (c *boltClient) CompareAndSwapTask(ctx context.Context, app, jobID string, expectedRev uint64, rec TaskRecord) (uint64, error) {
	start := time.Now()
	defer c.recordWrite(ctx, "cas_task", start)

	var newRev uint64
	err := c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTasks)
		key := taskLockKey(app, jobID)
		var curRev uint64
		if data := bucket.Get(key); data != nil {
			var cur boltTaskRecord
			if err := json.Unmarshal(data, &cur); err != nil {
				return err
			}
			curRev = cur.Rev
		}
		if curRev != expectedRev {
			return ErrCASConflict
		}
		newRev = curRev + 1
		data, err := json.Marshal(boltTaskRecord{Rec: rec, Rev: newRev})
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		if errors.Is(err, ErrCASConflict) {
			return 0, ErrCASConflict
		}
		return 0, fmt.Errorf("cas task: %w", err)
	}
	return newRev, nil
}

// --- locks ---

type lockRecord struct {
	SessionID string
}

func (c *boltClient) TryLock(ctx context.Context, app, jobID string, sess *Session) (*Lock, error) {
	start := time.Now()
	defer c.recordWrite(ctx, "try_lock", start)

	err := c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLocks)
		key := taskLockKey(app, jobID)
		if data := bucket.Get(key); data != nil {
			var existing lockRecord
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if sessionAliveLocked(tx, existing.SessionID) {
				if existing.SessionID == sess.ID {
					return nil
				}
				return ErrLockHeld
			}
		}
		data, err := json.Marshal(lockRecord{SessionID: sess.ID})
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("try lock: %w", err)
	}
	return &Lock{App: app, JobID: jobID, Owner: sess}, nil
}

func (c *boltClient) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	start := time.Now()
	defer c.recordWrite(ctx, "release_lock", start)

	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLocks)
		key := taskLockKey(lock.App, lock.JobID)
		data := bucket.Get(key)
		if data == nil {
			return nil
		}
		var existing lockRecord
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		if existing.SessionID != lock.Owner.ID {
			return nil
		}
		return bucket.Delete(key)
	})
}

func (c *boltClient) IsLocked(ctx context.Context, app, jobID string) (bool, error) {
	start := time.Now()
	defer c.recordRead(ctx, "is_locked", start)

	locked := false
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketLocks).Get(taskLockKey(app, jobID))
		if data == nil {
			return nil
		}
		var existing lockRecord
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		locked = sessionAliveLocked(tx, existing.SessionID)
		return nil
	})
	return locked, err
}

// --- queues ---

// queueRecord is JSON-encoded as the value of a composite, lexicographically
// sortable key app\x00 + big-endian priority (4 bytes, offset so negatives
// sort first) + big-endian seq (8 bytes), so a bbolt cursor walking the app's
// key prefix in order visits entries in FIFO-by-priority order without a
// separate index (grounded on the teacher's time-based index keys in
// ListExecutions, adapted from timestamp ordering to priority/seq ordering).
type queueRecord struct {
	JobID     string
	Priority  int
	Seq       uint64
	HeldBy    string
	HeldAtRev uint64
}

func queueKey(app string, priority int, seq uint64) []byte {
	// priority offset so negative priorities still sort correctly as
	// unsigned big-endian bytes.
	const offset = int64(1) << 31
	pu := uint32(int64(priority) + offset)
	key := make([]byte, 0, len(app)+1+4+8)
	key = append(key, app...)
	key = append(key, 0)
	var pb [4]byte
	binary.BigEndian.PutUint32(pb[:], pu)
	key = append(key, pb[:]...)
	var sb [8]byte
	binary.BigEndian.PutUint64(sb[:], seq)
	key = append(key, sb[:]...)
	return key
}

func queueKeyPrefix(app string) []byte {
	return append([]byte(app), 0)
}

func (c *boltClient) nextSeq(tx *bbolt.Tx, app string) (uint64, error) {
	bucket := tx.Bucket(bucketQueueSeq)
	key := []byte(app)
	var seq uint64
	if data := bucket.Get(key); data != nil {
		seq = binary.BigEndian.Uint64(data)
	}
	seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	if err := bucket.Put(key, buf[:]); err != nil {
		return 0, err
	}
	return seq, nil
}

func (c *boltClient) Queue(app string) Queue {
	return &boltQueue{c: c, app: app}
}

type boltQueue struct {
	c   *boltClient
	app string
}

func (q *boltQueue) Put(ctx context.Context, jobID string, priority int) error {
	start := time.Now()
	defer q.c.recordWrite(ctx, "queue_put", start)

	return q.c.db.Update(func(tx *bbolt.Tx) error {
		seq, err := q.c.nextSeq(tx, q.app)
		if err != nil {
			return err
		}
		data, err := json.Marshal(queueRecord{JobID: jobID, Priority: priority, Seq: seq})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketQueues).Put(queueKey(q.app, priority, seq), data)
	})
}

// headLocked returns the lowest-keyed (highest priority, oldest seq) entry
// for the app, or ok=false if the queue is empty.
func headLocked(tx *bbolt.Tx, app string) (key []byte, rec queueRecord, ok bool, err error) {
	cursor := tx.Bucket(bucketQueues).Cursor()
	prefix := queueKeyPrefix(app)
	k, v := cursor.Seek(prefix)
	if k == nil || !hasBoltPrefix(k, prefix) {
		return nil, queueRecord{}, false, nil
	}
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, queueRecord{}, false, err
	}
	keyCopy := append([]byte(nil), k...)
	return keyCopy, rec, true, nil
}

func hasBoltPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (q *boltQueue) Get(ctx context.Context, sess *Session) (QueueItem, bool, error) {
	start := time.Now()
	defer q.c.recordRead(ctx, "queue_get", start)

	var item QueueItem
	found := false
	err := q.c.db.Update(func(tx *bbolt.Tx) error {
		key, rec, ok, err := headLocked(tx, q.app)
		if err != nil || !ok {
			return err
		}
		if rec.HeldBy != "" && sessionAliveLocked(tx, rec.HeldBy) {
			if rec.HeldBy != sess.ID {
				return nil
			}
			item = QueueItem{JobID: rec.JobID, Priority: rec.Priority}
			found = true
			return nil
		}
		rec.HeldBy = sess.ID
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketQueues).Put(key, data); err != nil {
			return err
		}
		item = QueueItem{JobID: rec.JobID, Priority: rec.Priority}
		found = true
		return nil
	})
	if err != nil {
		return QueueItem{}, false, fmt.Errorf("queue get: %w", err)
	}
	return item, found, nil
}

func (q *boltQueue) Consume(ctx context.Context, sess *Session) error {
	start := time.Now()
	defer q.c.recordWrite(ctx, "queue_consume", start)

	return q.c.db.Update(func(tx *bbolt.Tx) error {
		key, rec, ok, err := headLocked(tx, q.app)
		if err != nil {
			return err
		}
		if !ok {
			return ErrQueueEmpty
		}
		if rec.HeldBy != sess.ID {
			return ErrNotHeld
		}
		return tx.Bucket(bucketQueues).Delete(key)
	})
}

func (q *boltQueue) Cycle(ctx context.Context, sess *Session) error {
	start := time.Now()
	defer q.c.recordWrite(ctx, "queue_cycle", start)

	return q.c.db.Update(func(tx *bbolt.Tx) error {
		key, rec, ok, err := headLocked(tx, q.app)
		if err != nil {
			return err
		}
		if !ok {
			return ErrQueueEmpty
		}
		if rec.HeldBy != sess.ID {
			return ErrNotHeld
		}
		if err := tx.Bucket(bucketQueues).Delete(key); err != nil {
			return err
		}
		seq, err := q.c.nextSeq(tx, q.app)
		if err != nil {
			return err
		}
		data, err := json.Marshal(queueRecord{JobID: rec.JobID, Priority: rec.Priority, Seq: seq})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketQueues).Put(queueKey(q.app, rec.Priority, seq), data)
	})
}

func (q *boltQueue) Release(ctx context.Context, sess *Session) error {
	start := time.Now()
	defer q.c.recordWrite(ctx, "queue_release", start)

	return q.c.db.Update(func(tx *bbolt.Tx) error {
		key, rec, ok, err := headLocked(tx, q.app)
		if err != nil || !ok {
			return err
		}
		if rec.HeldBy != sess.ID {
			return nil
		}
		rec.HeldBy = ""
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketQueues).Put(key, data)
	})
}

func (q *boltQueue) Contains(ctx context.Context, jobID string) (bool, error) {
	start := time.Now()
	defer q.c.recordRead(ctx, "queue_contains", start)

	found := false
	err := q.c.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketQueues).Cursor()
		prefix := queueKeyPrefix(q.app)
		for k, v := cursor.Seek(prefix); k != nil && hasBoltPrefix(k, prefix); k, v = cursor.Next() {
			var rec queueRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.JobID == jobID {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (q *boltQueue) Size(ctx context.Context) (int, error) {
	start := time.Now()
	defer q.c.recordRead(ctx, "queue_size", start)

	n := 0
	err := q.c.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketQueues).Cursor()
		prefix := queueKeyPrefix(q.app)
		for k, _ := cursor.Seek(prefix); k != nil && hasBoltPrefix(k, prefix); k, _ = cursor.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (c *boltClient) Close() error {
	return c.db.Close()
}
