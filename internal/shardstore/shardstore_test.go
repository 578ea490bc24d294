package shardstore

import (
	"context"
	"testing"

	"github.com/Voskan/warpengine/internal/checkpoint"
	"github.com/Voskan/warpengine/internal/codec"
	"github.com/Voskan/warpengine/internal/wal"
)

type noopSource struct{}

func (noopSource) Snapshot(policy checkpoint.SnapshotPolicy) ([]codec.Record, uint64, int64, error) {
	return nil, 0, 0, nil
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.Open(dir+"/wal", 1, wal.Options{FlushPolicy: wal.FlushEveryWrite})
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	ckpt, err := checkpoint.Open(dir+"/ckpt", 1, noopSource{}, checkpoint.Options{})
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	return New(1, w, ckpt, opts)
}

func TestInsertAndLookup(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	if err := s.Insert(ctx, []byte("k1"), []byte("v1"), nil, Eventual); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	value, meta, ok := s.Lookup([]byte("k1"))
	if !ok {
		t.Fatalf("expected key to be found")
	}
	if string(value) != "v1" {
		t.Fatalf("expected v1, got %s", value)
	}
	if meta.AccessCounter != 1 {
		t.Fatalf("expected access counter 1, got %d", meta.AccessCounter)
	}
}

func TestRemoveDeletesKey(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	if err := s.Insert(ctx, []byte("k1"), []byte("v1"), nil, Eventual); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	existed, err := s.Remove(ctx, []byte("k1"), Eventual)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !existed {
		t.Fatalf("expected key to have existed")
	}
	if _, _, ok := s.Lookup([]byte("k1")); ok {
		t.Fatalf("expected key to be gone after remove")
	}
}

func TestCapacityEvictsColdestEntry(t *testing.T) {
	s := newTestStore(t, Options{MaxCapacity: 2})
	ctx := context.Background()
	if err := s.Insert(ctx, []byte("k1"), []byte("v1"), nil, Eventual); err != nil {
		t.Fatalf("Insert k1: %v", err)
	}
	if err := s.Insert(ctx, []byte("k2"), []byte("v2"), nil, Eventual); err != nil {
		t.Fatalf("Insert k2: %v", err)
	}
	// Touch k2 so it's warmer than k1.
	s.Lookup([]byte("k2"))
	if err := s.Insert(ctx, []byte("k3"), []byte("v3"), nil, Eventual); err != nil {
		t.Fatalf("Insert k3: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected capacity to stay at 2, got %d", s.Len())
	}
	if _, _, ok := s.Lookup([]byte("k1")); ok {
		t.Fatalf("expected coldest key k1 to have been evicted")
	}
}

func TestCapacityExceededInStrongMode(t *testing.T) {
	s := newTestStore(t, Options{MaxCapacity: 1})
	ctx := context.Background()
	if err := s.Insert(ctx, []byte("k1"), []byte("v1"), nil, Strong); err != nil {
		t.Fatalf("Insert k1: %v", err)
	}
	if err := s.Insert(ctx, []byte("k2"), []byte("v2"), nil, Strong); err == nil {
		t.Fatalf("expected CapacityExceeded error")
	}
}

func TestIterVisitsAllKeys(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		if err := s.Insert(ctx, []byte(k), []byte("v"), nil, Eventual); err != nil {
			t.Fatalf("Insert %s: %v", k, err)
		}
	}
	seen := map[string]bool{}
	s.Iter(func(key, value []byte, meta codec.RecordMeta) bool {
		seen[string(key)] = true
		return true
	})
	for _, k := range []string{"a", "b", "c"} {
		if !seen[k] {
			t.Fatalf("expected Iter to visit key %s", k)
		}
	}
}

func TestSnapshotForCheckpoint(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	if err := s.Insert(ctx, []byte("k1"), []byte("v1"), nil, Eventual); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	records, seq, size, err := s.Snapshot(checkpoint.StopTheWorld)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record in snapshot, got %d", len(records))
	}
	if seq != 0 {
		t.Fatalf("expected snapshot sequence 0, got %d", seq)
	}
	if size <= 0 {
		t.Fatalf("expected non-zero snapshot size")
	}
}
