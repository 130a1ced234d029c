package model

import "testing"

func TestChange_IsDelete(t *testing.T) {
	deleted := Change{Entity: nil}
	if !deleted.IsDelete() {
		t.Error("expected nil entity to report delete")
	}

	upserted := Change{Entity: Row{"id": "1"}}
	if upserted.IsDelete() {
		t.Error("expected non-nil entity to not report delete")
	}
}

func TestStatusID_DeterministicAndKeyed(t *testing.T) {
	a := StatusID("users", "1", "node-a")
	b := StatusID("users", "1", "node-a")
	if a != b {
		t.Errorf("expected deterministic id, got %q and %q", a, b)
	}
	if len(a) != 32 {
		t.Errorf("expected 32-character md5 hex digest, got %d chars", len(a))
	}

	c := StatusID("users", "1", "node-b")
	if a == c {
		t.Error("expected different sender to produce a different id")
	}

	d := StatusID("orders", "1", "node-a")
	if a == d {
		t.Error("expected different table to produce a different id")
	}
}
