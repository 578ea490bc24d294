// Package wormhole implements the Wormhole Graph of spec.md §4.7: a
// purely advisory shard-to-shard routing graph learned from observed
// co-occurrence in multi-get requests, snapshotted periodically and never
// persisted to the WAL.
//
// The read-mostly structure flipped atomically on each tick is the
// teacher's own "no global mutex on the hot path" idiom (see DESIGN.md,
// internal/clockpro's ring-scan bookkeeping) applied to shard-level edges
// instead of per-entry cache metadata.
//
// © 2025 WarpEngine authors. MIT License.
package wormhole

import (
	"encoding/binary"
	"math"
	"os"
	"sort"
	"sync/atomic"
)

// Default tunables, per spec.md §4.7.
const (
	DefaultLearningRate      = 0.1
	DefaultWMax              = 1.0
	DefaultDecay             = 0.99
	DefaultPrefetchThreshold = 0.5
	DefaultTopK              = 3
)

type edgeKey struct {
	from, to uint32
}

// graph is the immutable snapshot swapped via atomic.Pointer on each
// mutation/tick, giving lock-free reads on the hot path.
type graph struct {
	edges map[edgeKey]float64
}

func (g *graph) clone() *graph {
	cp := &graph{edges: make(map[edgeKey]float64, len(g.edges))}
	for k, v := range g.edges {
		cp.edges[k] = v
	}
	return cp
}

// Options configures a Graph; zero values take spec.md §4.7 defaults.
type Options struct {
	LearningRate      float64
	WMax              float64
	Decay             float64
	PrefetchThreshold float64
	TopK              int
}

func (o *Options) setDefaults() {
	if o.LearningRate == 0 {
		o.LearningRate = DefaultLearningRate
	}
	if o.WMax == 0 {
		o.WMax = DefaultWMax
	}
	if o.Decay == 0 {
		o.Decay = DefaultDecay
	}
	if o.PrefetchThreshold == 0 {
		o.PrefetchThreshold = DefaultPrefetchThreshold
	}
	if o.TopK == 0 {
		o.TopK = DefaultTopK
	}
}

// Graph is the shard-to-shard advisory routing structure.
type Graph struct {
	opts Options
	cur  atomic.Pointer[graph]
}

// New constructs an empty Graph.
func New(opts Options) *Graph {
	opts.setDefaults()
	g := &Graph{opts: opts}
	g.cur.Store(&graph{edges: make(map[edgeKey]float64)})
	return g
}

// RecordCooccurrence increments edges from fromShard to each of toShards,
// observed when a quantum_get read fromShard followed by toShards for the
// same logical request (spec.md §4.7).
func (g *Graph) RecordCooccurrence(fromShard uint32, toShards []uint32) {
	if len(toShards) == 0 {
		return
	}
	old := g.cur.Load()
	next := old.clone()
	for _, to := range toShards {
		if to == fromShard {
			continue
		}
		k := edgeKey{fromShard, to}
		w := next.edges[k] + g.opts.LearningRate
		if w > g.opts.WMax {
			w = g.opts.WMax
		}
		next.edges[k] = w
	}
	g.cur.Store(next)
}

// Tick decays every edge weight by the configured decay factor, dropping
// edges that decay to a negligible weight, per spec.md §4.7's "on each
// scheduler tick, weights decay by WORMHOLE_DECAY".
func (g *Graph) Tick() {
	old := g.cur.Load()
	next := &graph{edges: make(map[edgeKey]float64, len(old.edges))}
	for k, w := range old.edges {
		w *= g.opts.Decay
		if w > 1e-6 {
			next.edges[k] = w
		}
	}
	g.cur.Store(next)
}

// SuggestPrefetch returns the top-K shards by weight reachable from
// fromShard, only if the top weight meets PrefetchThreshold (spec.md
// §4.7).
func (g *Graph) SuggestPrefetch(fromShard uint32) []uint32 {
	cur := g.cur.Load()
	type kv struct {
		to uint32
		w  float64
	}
	var candidates []kv
	for k, w := range cur.edges {
		if k.from == fromShard {
			candidates = append(candidates, kv{k.to, w})
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].w > candidates[j].w })
	if candidates[0].w < g.opts.PrefetchThreshold {
		return nil
	}
	k := g.opts.TopK
	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]uint32, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, candidates[i].to)
	}
	return out
}

// RouteHint returns an ordered hop list from fromShard to toShard for
// visualization/metrics only (spec.md §4.7: "not a transport"). With only
// direct edges modeled, the hint is the single-hop path if an edge
// exists, degrading to the two endpoints otherwise (see DESIGN.md's Open
// Question decision: single-hop routing only, no multi-hop search).
func (g *Graph) RouteHint(fromShard, toShard uint32) []uint32 {
	cur := g.cur.Load()
	if _, ok := cur.edges[edgeKey{fromShard, toShard}]; ok {
		return []uint32{fromShard, toShard}
	}
	return []uint32{fromShard, toShard}
}

// Save writes a compact binary snapshot of the current graph, per spec.md
// §4.7/§6 ("wormholes/graph.bin"). Format: [u32 edge_count]{[u32 from][u32
// to][f64 weight]}... Never written to the WAL.
func (g *Graph) Save(path string) error {
	cur := g.cur.Load()
	buf := make([]byte, 4+len(cur.edges)*(4+4+8))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(cur.edges)))
	off := 4
	for k, w := range cur.edges {
		binary.LittleEndian.PutUint32(buf[off:], k.from)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], k.to)
		off += 4
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(w))
		off += 8
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load restores a Graph from a snapshot written by Save. A missing or
// corrupt file only degrades prefetch quality (spec.md §4.7), so callers
// typically ignore a non-nil error and continue with an empty Graph.
func Load(path string, opts Options) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, os.ErrInvalid
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	g := New(opts)
	next := &graph{edges: make(map[edgeKey]float64, count)}
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+16 > len(data) {
			return nil, os.ErrInvalid
		}
		from := binary.LittleEndian.Uint32(data[off:])
		off += 4
		to := binary.LittleEndian.Uint32(data[off:])
		off += 4
		w := math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
		off += 8
		next.edges[edgeKey{from, to}] = w
	}
	g.cur.Store(next)
	return g, nil
}
