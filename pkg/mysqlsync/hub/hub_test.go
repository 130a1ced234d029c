package hub

import (
	"context"
	"errors"
	"testing"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/logging"
)

func TestHub_EmitRunsListenersInOrder(t *testing.T) {
	h := New(logging.Noop())
	var order []int

	h.On(LocalChange, func(ctx context.Context, payload interface{}) error {
		order = append(order, 1)
		return nil
	})
	h.On(LocalChange, func(ctx context.Context, payload interface{}) error {
		order = append(order, 2)
		return nil
	})

	if err := h.Emit(context.Background(), LocalChange, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("expected listeners to run in registration order, got %v", order)
	}
}

func TestHub_EmitStopsOnFirstError(t *testing.T) {
	h := New(logging.Noop())
	var ran []int
	boom := errors.New("boom")

	h.On(DatabaseError, func(ctx context.Context, payload interface{}) error {
		ran = append(ran, 1)
		return boom
	})
	h.On(DatabaseError, func(ctx context.Context, payload interface{}) error {
		ran = append(ran, 2)
		return nil
	})

	err := h.Emit(context.Background(), DatabaseError, nil)
	if err == nil {
		t.Fatal("expected error from Emit")
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped boom error, got %v", err)
	}
	if len(ran) != 1 {
		t.Errorf("expected exactly one listener to run, got %v", ran)
	}
}

func TestHub_EmitWithNoListenersIsNoop(t *testing.T) {
	h := New(logging.Noop())
	if err := h.Emit(context.Background(), RemoteChange, "payload"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHub_PayloadPassedThrough(t *testing.T) {
	h := New(logging.Noop())
	type sample struct{ N int }

	var got sample
	h.On(LocalSaveChange, func(ctx context.Context, payload interface{}) error {
		s, ok := payload.(sample)
		if !ok {
			t.Fatalf("unexpected payload type %T", payload)
		}
		got = s
		return nil
	})

	if err := h.Emit(context.Background(), LocalSaveChange, sample{N: 42}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.N != 42 {
		t.Errorf("expected payload N=42, got %d", got.N)
	}
}
