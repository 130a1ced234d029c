package queue

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/logging"
)

type sample struct {
	Name string `json:"name"`
}

func TestQueue_PushAndPoll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.json")
	q, err := Open(path, logging.Noop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := q.Push(sample{Name: "a"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(sample{Name: "b"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("expected len 2, got %d", q.Len())
	}

	raw, ok, err := q.Poll()
	if err != nil || !ok {
		t.Fatalf("poll: ok=%v err=%v", ok, err)
	}
	var s sample
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Name != "a" {
		t.Errorf("expected FIFO order, got %q", s.Name)
	}
	if q.Len() != 1 {
		t.Errorf("expected len 1 after poll, got %d", q.Len())
	}
}

func TestQueue_PollEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.json")
	q, err := Open(path, logging.Noop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, ok, err := q.Poll()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected ok=false on empty queue")
	}
}

func TestQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.json")
	q, err := Open(path, logging.Noop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := q.Push(sample{Name: "persisted"}); err != nil {
		t.Fatalf("push: %v", err)
	}

	reopened, err := Open(path, logging.Noop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 1 {
		t.Fatalf("expected 1 item after reopen, got %d", reopened.Len())
	}
}

func TestQueue_DeleteMatchesPredicate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.json")
	q, err := Open(path, logging.Noop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, n := range []string{"keep", "drop", "keep2", "drop2"} {
		if err := q.Push(sample{Name: n}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	removed, err := q.Delete(func(raw json.RawMessage) bool {
		var s sample
		_ = json.Unmarshal(raw, &s)
		return s.Name == "drop" || s.Name == "drop2"
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 remaining, got %d", q.Len())
	}
}

func TestQueue_FindDoesNotRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.json")
	q, err := Open(path, logging.Noop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := q.Push(sample{Name: "x"}); err != nil {
		t.Fatalf("push: %v", err)
	}

	found := q.Find(func(raw json.RawMessage) bool { return true })
	if len(found) != 1 {
		t.Fatalf("expected 1 found, got %d", len(found))
	}
	if q.Len() != 1 {
		t.Errorf("Find must not remove items, len=%d", q.Len())
	}
}

func TestQueue_SnapshotSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.json")
	q, err := Open(path, logging.Noop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := q.Push(sample{Name: "x"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	snap := q.SnapshotSync()
	if len(snap) != 1 {
		t.Fatalf("expected snapshot len 1, got %d", len(snap))
	}
}
