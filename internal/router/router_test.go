package router

import "testing"

type fakeIndex struct {
	neighbors map[string][]Neighbor
}

func (f fakeIndex) Neighbors(key []byte) []Neighbor { return f.neighbors[string(key)] }

func TestShardForIsStable(t *testing.T) {
	r := New(8, nil)
	key := []byte("hello")
	first := r.ShardFor(key)
	for i := 0; i < 10; i++ {
		if got := r.ShardFor(key); got != first {
			t.Fatalf("ShardFor not stable: got %d, want %d", got, first)
		}
	}
	if first >= 8 {
		t.Fatalf("shard id %d out of range", first)
	}
}

func TestShardForDistributesAcrossShards(t *testing.T) {
	r := New(4, nil)
	seen := map[uint32]bool{}
	for i := 0; i < 200; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		seen[r.ShardFor(key)] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected keys to spread across multiple shards, got %d distinct shards", len(seen))
	}
}

func TestLocateCandidatesIncludesEntangledShards(t *testing.T) {
	idx := fakeIndex{neighbors: map[string][]Neighbor{
		"a": {{Key: []byte("b"), Strength: 0.9}, {Key: []byte("c"), Strength: 0.5}},
	}}
	r := New(8, idx)
	candidates := r.LocateCandidates([]byte("a"))
	if len(candidates) < 1 {
		t.Fatalf("expected at least the primary shard")
	}
	primary := r.ShardFor([]byte("a"))
	if candidates[0] != primary {
		t.Fatalf("expected first candidate to be the primary shard")
	}
	got := map[uint32]bool{}
	for _, c := range candidates {
		got[c] = true
	}
	for _, k := range []string{"b", "c"} {
		if shard := r.ShardFor([]byte(k)); !got[shard] {
			t.Fatalf("expected candidates %v to include shard %d of entangled key %q", candidates, shard, k)
		}
	}
}

func TestLocateCandidatesWithoutIndexReturnsOnlyPrimary(t *testing.T) {
	r := New(8, nil)
	candidates := r.LocateCandidates([]byte("a"))
	if len(candidates) != 1 {
		t.Fatalf("expected only the primary shard, got %v", candidates)
	}
}
