package docstore

import (
	"context"
	"testing"
	"time"
)

func TestWatchEmitsInitialAndChangedSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore(t)

	if err := s.Set(ctx, "globalChat", "m1", testDoc{Name: "hello"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ch := Watch(ctx, s, "globalChat", Query{}, 10*time.Millisecond, s.logger)

	first := receive(t, ch)
	if len(first) != 1 {
		t.Fatalf("initial snapshot has %d docs, want 1", len(first))
	}

	if err := s.Set(ctx, "globalChat", "m2", testDoc{Name: "again"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	second := receive(t, ch)
	if len(second) != 2 {
		t.Fatalf("changed snapshot has %d docs, want 2", len(second))
	}

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestChanged(t *testing.T) {
	a := []Snapshot{jsonSnapshot("x", []byte(`{"n":1}`))}
	b := []Snapshot{jsonSnapshot("x", []byte(`{"n":1}`))}
	c := []Snapshot{jsonSnapshot("x", []byte(`{"n":2}`))}
	if changed(a, b) {
		t.Error("identical snapshots reported as changed")
	}
	if !changed(a, c) {
		t.Error("different content not reported as changed")
	}
	if !changed(a, nil) {
		t.Error("different length not reported as changed")
	}
}

func receive(t *testing.T, ch <-chan []Snapshot) []Snapshot {
	t.Helper()
	select {
	case snaps, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed")
		}
		return snaps
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return nil
}
