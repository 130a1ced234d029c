// Package queue implements the durable, file-backed ordered queue that
// is the system's sole durability primitive (§4.A): one JSON file per
// queue, rewritten in full on every mutation. go-mcast stores
// committed entries behind a Storage interface keyed by UID
// (pkg/mcast/types/storage.go); this generalizes that idiom to an
// ordered, homogeneous-by-use-site sequence instead of a key/value map,
// since a durable queue has no notion of a key, only arrival order.
package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/logging"
)

// Predicate matches a raw queue entry during Delete/Find.
type Predicate func(raw json.RawMessage) bool

// Queue is a file-backed ordered sequence of JSON-serializable
// records. All mutations are serialized by mutex so a concurrent push
// and poll from the same process cannot lose items; the design note
// in §9 calls for write-then-rename instead of the source's in-place
// rewrite, for crash safety.
type Queue struct {
	mutex sync.Mutex
	path  string
	items []json.RawMessage
	log   logging.Logger
}

// Open loads an existing queue file if present, or starts empty. The
// parent directory must already exist.
func Open(path string, log logging.Logger) (*Queue, error) {
	q := &Queue{path: path, log: log}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, errors.Wrapf(err, "queue: reading %s", path)
	}
	if len(raw) == 0 {
		return q, nil
	}
	if err := json.Unmarshal(raw, &q.items); err != nil {
		return nil, errors.Wrapf(err, "queue: decoding %s", path)
	}
	return q, nil
}

// Push appends item to the tail of the queue and persists it before
// returning.
func (q *Queue) Push(item interface{}) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(err, "queue: marshal item")
	}
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.items = append(q.items, raw)
	return q.persistLocked()
}

// Poll removes and returns the head of the queue, or ok=false if the
// queue is empty.
func (q *Queue) Poll() (raw json.RawMessage, ok bool, err error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if len(q.items) == 0 {
		return nil, false, nil
	}
	head := q.items[0]
	q.items = q.items[1:]
	if err := q.persistLocked(); err != nil {
		return nil, false, err
	}
	return head, true, nil
}

// Delete removes every item matching predicate and returns the
// removed items, in their original relative order.
func (q *Queue) Delete(predicate Predicate) ([]json.RawMessage, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	var kept, removed []json.RawMessage
	for _, item := range q.items {
		if predicate(item) {
			removed = append(removed, item)
		} else {
			kept = append(kept, item)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	q.items = kept
	if err := q.persistLocked(); err != nil {
		return nil, err
	}
	return removed, nil
}

// Find returns every item matching predicate without removing them.
func (q *Queue) Find(predicate Predicate) []json.RawMessage {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	var found []json.RawMessage
	for _, item := range q.items {
		if predicate(item) {
			found = append(found, item)
		}
	}
	return found
}

// SnapshotSync returns the current contents without blocking other
// queues; it still takes this queue's own lock briefly, but never
// waits on I/O, since the in-memory slice is always authoritative.
// Used only during bus store initialization (§4.A).
func (q *Queue) SnapshotSync() []json.RawMessage {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	out := make([]json.RawMessage, len(q.items))
	copy(out, q.items)
	return out
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

// persistLocked rewrites the entire queue file. Caller must hold
// q.mutex. Uses write-to-temp + rename so a crash mid-write leaves the
// previous file intact instead of a truncated one.
func (q *Queue) persistLocked() error {
	data, err := json.Marshal(q.items)
	if err != nil {
		return errors.Wrap(err, "queue: marshal contents")
	}

	dir := filepath.Dir(q.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(q.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "queue: create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "queue: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "queue: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "queue: close temp file")
	}
	if err := os.Rename(tmpName, q.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "queue: rename into %s", q.path)
	}
	return nil
}
