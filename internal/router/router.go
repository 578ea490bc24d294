// Package router implements the Router of spec.md §4.5: deterministic
// key-to-shard mapping, stable across restarts, plus candidate shard
// discovery for quantum_get prefetch.
//
// The teacher routed its cache shards with hash/maphash (SipHash); spec.md
// §4.5 explicitly names xxHash-class hashing, so this component keeps the
// teacher's "router owns a pure hash function, shard count fixed at
// construction" shape but switches the algorithm (see DESIGN.md).
//
// © 2025 WarpEngine authors. MIT License.
package router

import (
	"github.com/cespare/xxhash/v2"

	"github.com/Voskan/warpengine/internal/unsafehelpers"
)

// NeighborLookup is implemented by the Entanglement Index: it supplies the
// related keys used by LocateCandidates.
type NeighborLookup interface {
	Neighbors(key []byte) []Neighbor
}

// Neighbor is one entangled key and its strength, as reported by the
// Entanglement Index.
type Neighbor struct {
	Key      []byte
	Strength float64
}

// Router maps keys to shard IDs deterministically.
type Router struct {
	numShards uint32
	index     NeighborLookup // optional; nil disables LocateCandidates beyond primary
}

// New constructs a Router over a fixed shard count. index may be nil if
// entanglement-aware candidate lookup isn't needed (e.g. offline tools).
func New(numShards uint32, index NeighborLookup) *Router {
	if numShards == 0 {
		numShards = 1
	}
	return &Router{numShards: numShards, index: index}
}

// NumShards returns the fixed shard count this Router was built with.
func (r *Router) NumShards() uint32 { return r.numShards }

// ShardFor returns the primary shard for key: hash64(key) mod N using
// xxHash (spec.md §4.5). Hashing goes through Sum64String over a
// zero-copy view of key to avoid an allocation on this hot path; the view
// is never retained past this call.
func (r *Router) ShardFor(key []byte) uint32 {
	return uint32(xxhash.Sum64String(unsafehelpers.BytesToString(key)) % uint64(r.numShards))
}

// LocateCandidates returns the primary shard for key, plus the shards
// owning keys the Entanglement Index reports as related, for quantum_get's
// parallel fetch fan-out (spec.md §4.5, §4.10).
func (r *Router) LocateCandidates(key []byte) []uint32 {
	primary := r.ShardFor(key)
	candidates := []uint32{primary}
	if r.index == nil {
		return candidates
	}

	seen := map[uint32]bool{primary: true}
	for _, n := range r.index.Neighbors(key) {
		shard := r.ShardFor(n.Key)
		if !seen[shard] {
			seen[shard] = true
			candidates = append(candidates, shard)
		}
	}
	return candidates
}
