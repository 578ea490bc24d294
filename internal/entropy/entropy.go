// Package entropy implements the Entropy/Load Monitor of spec.md §4.9: on
// each tick, it computes per-shard load, Shannon entropy over per-shard
// operation counts, and a load-skew metric, emitting advisory events when
// thresholds are crossed.
//
// The tick-driven sampling loop follows the teacher's own background-
// goroutine idiom (a ticker plus an atomic counter snapshot); this
// component has no direct teacher analogue since arena-cache never
// modeled per-shard load skew, so it is grounded on the *shape* of the
// teacher's metrics sampling rather than a specific file (see DESIGN.md).
//
// © 2025 WarpEngine authors. MIT License.
package entropy

import (
	"math"
	"sync/atomic"
)

// Default tunables, per spec.md §4.9.
const (
	DefaultIntervalMS = 1000
	DefaultHLow       = 1.0
	DefaultSkewHigh   = 3.0
)

// Snapshot is one tick's computed load/entropy/skew reading.
type Snapshot struct {
	PerShardOps    []uint64
	TotalOps       uint64
	Entropy        float64
	Skew           float64
	LowEntropy     bool
	HighSkew       bool
}

// Options configures a Monitor; zero values take spec.md §4.9 defaults.
type Options struct {
	HLow     float64
	SkewHigh float64
}

func (o *Options) setDefaults() {
	if o.HLow == 0 {
		o.HLow = DefaultHLow
	}
	if o.SkewHigh == 0 {
		o.SkewHigh = DefaultSkewHigh
	}
}

// Monitor tracks per-shard operation counters between ticks.
type Monitor struct {
	opts    Options
	counters []atomic.Uint64
}

// New constructs a Monitor for numShards shards.
func New(numShards uint32, opts Options) *Monitor {
	opts.setDefaults()
	return &Monitor{opts: opts, counters: make([]atomic.Uint64, numShards)}
}

// RecordOp increments the operation counter for shardID. Called on the
// hot path by the Engine Coordinator for every put/get/delete.
func (m *Monitor) RecordOp(shardID uint32) {
	if int(shardID) >= len(m.counters) {
		return
	}
	m.counters[shardID].Add(1)
}

// Tick computes a Snapshot from the counters accumulated since the last
// Tick, then resets them.
func (m *Monitor) Tick() Snapshot {
	perShard := make([]uint64, len(m.counters))
	var total uint64
	for i := range m.counters {
		v := m.counters[i].Swap(0)
		perShard[i] = v
		total += v
	}

	entropy := shannonEntropy(perShard, total)
	skew := skewMetric(perShard, total)

	return Snapshot{
		PerShardOps: perShard,
		TotalOps:    total,
		Entropy:     entropy,
		Skew:        skew,
		LowEntropy:  total > 0 && entropy < m.opts.HLow,
		HighSkew:    skew > m.opts.SkewHigh,
	}
}

// shannonEntropy computes H = -Σ p_i log2 p_i over shards with ops_i > 0.
func shannonEntropy(perShard []uint64, total uint64) float64 {
	if total == 0 {
		return 0
	}
	var h float64
	for _, ops := range perShard {
		if ops == 0 {
			continue
		}
		p := float64(ops) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

// skewMetric computes max_load / mean_load across shards.
func skewMetric(perShard []uint64, total uint64) float64 {
	if len(perShard) == 0 || total == 0 {
		return 0
	}
	var maxLoad uint64
	for _, ops := range perShard {
		if ops > maxLoad {
			maxLoad = ops
		}
	}
	mean := float64(total) / float64(len(perShard))
	if mean == 0 {
		return 0
	}
	return float64(maxLoad) / mean
}
