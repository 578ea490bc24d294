// Package metricssink is a thin abstraction over Prometheus so WarpEngine
// can run with or without metrics: pass a *prometheus.Registry via
// warpengine.WithMetricsRegistry to get labeled collectors, or nothing for
// a zero-cost noop sink on the hot path.
//
// Directly generalized from the teacher repo's pkg/metrics.go sink split
// (metricsSink interface, noopMetrics, promMetrics) — same shape, new
// metric set for WarpEngine's operations instead of a generic cache's
// hit/miss/eviction counters (see DESIGN.md).
//
// © 2025 WarpEngine authors. MIT License.
package metricssink

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the internal interface every engine component reports through;
// it is implemented by both Noop and Prom.
type Sink interface {
	IncPut(shard uint32)
	IncGet(shard uint32)
	IncDelete(shard uint32)
	IncNotFound(shard uint32)
	IncQuantumGetPartialMiss(shard uint32, missCount int)
	IncCorruptTail(shard uint32)
	IncCheckpointSuccess(shard uint32)
	IncCheckpointFailure(shard uint32)
	SetWALUnflushedBytes(shard uint32, value int64)
	SetCacheTierSize(tier string, value int64)
	ObserveOpLatencyUS(op string, us int64)
	SetEntropy(value float64)
	SetSkew(value float64)
}

// Noop is the zero-cost default sink.
type Noop struct{}

func (Noop) IncPut(uint32)                            {}
func (Noop) IncGet(uint32)                            {}
func (Noop) IncDelete(uint32)                         {}
func (Noop) IncNotFound(uint32)                       {}
func (Noop) IncQuantumGetPartialMiss(uint32, int)     {}
func (Noop) IncCorruptTail(uint32)                    {}
func (Noop) IncCheckpointSuccess(uint32)               {}
func (Noop) IncCheckpointFailure(uint32)               {}
func (Noop) SetWALUnflushedBytes(uint32, int64)       {}
func (Noop) SetCacheTierSize(string, int64)           {}
func (Noop) ObserveOpLatencyUS(string, int64)         {}
func (Noop) SetEntropy(float64)                       {}
func (Noop) SetSkew(float64)                          {}

// Prom backs Sink with real Prometheus collectors, labeled by shard where
// applicable.
type Prom struct {
	puts               *prometheus.CounterVec
	gets               *prometheus.CounterVec
	deletes            *prometheus.CounterVec
	notFound           *prometheus.CounterVec
	quantumPartialMiss *prometheus.CounterVec
	corruptTail        *prometheus.CounterVec
	checkpointOK       *prometheus.CounterVec
	checkpointFail     *prometheus.CounterVec
	walUnflushed       *prometheus.GaugeVec
	cacheTierSize      *prometheus.GaugeVec
	opLatencyUS        *prometheus.HistogramVec
	entropy            prometheus.Gauge
	skew               prometheus.Gauge

	walUnflushedMirror []atomic.Int64
}

// NewProm registers WarpEngine's collectors on reg and returns a Prom
// sink. numShards sizes the per-shard atomic mirrors that keep the last
// value passed to SetWALUnflushedBytes for each shard; the labeled gauge is
// still looked up and set on every call.
func NewProm(numShards int, reg *prometheus.Registry) *Prom {
	shardLabel := []string{"shard"}

	p := &Prom{
		puts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warpengine", Name: "puts_total", Help: "Number of put operations.",
		}, shardLabel),
		gets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warpengine", Name: "gets_total", Help: "Number of get operations.",
		}, shardLabel),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warpengine", Name: "deletes_total", Help: "Number of delete operations.",
		}, shardLabel),
		notFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warpengine", Name: "not_found_total", Help: "Number of NotFound results.",
		}, shardLabel),
		quantumPartialMiss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warpengine", Name: "quantum_get_partial_miss_total", Help: "Entangled fetches dropped from quantum_get results.",
		}, shardLabel),
		corruptTail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warpengine", Name: "wal_corrupt_tail_total", Help: "WAL segments truncated for a corrupt tail on recovery.",
		}, shardLabel),
		checkpointOK: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warpengine", Name: "checkpoint_success_total", Help: "Successful checkpoint attempts.",
		}, shardLabel),
		checkpointFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warpengine", Name: "checkpoint_failure_total", Help: "Failed checkpoint attempts.",
		}, shardLabel),
		walUnflushed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warpengine", Name: "wal_unflushed_bytes", Help: "Unflushed WAL bytes per shard.",
		}, shardLabel),
		cacheTierSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warpengine", Name: "cache_tier_size_bytes", Help: "Approximate size per cache tier.",
		}, []string{"tier"}),
		opLatencyUS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warpengine", Name: "op_latency_us", Help: "Operation latency in microseconds.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 16),
		}, []string{"op"}),
		entropy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warpengine", Name: "shard_load_entropy", Help: "Shannon entropy over per-shard operation counts.",
		}),
		skew: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warpengine", Name: "shard_load_skew", Help: "max_load / mean_load across shards.",
		}),
		walUnflushedMirror: make([]atomic.Int64, numShards),
	}

	reg.MustRegister(p.puts, p.gets, p.deletes, p.notFound, p.quantumPartialMiss,
		p.corruptTail, p.checkpointOK, p.checkpointFail, p.walUnflushed,
		p.cacheTierSize, p.opLatencyUS, p.entropy, p.skew)
	return p
}

func shardLabelValue(shard uint32) string { return strconv.Itoa(int(shard)) }

func (p *Prom) IncPut(shard uint32)    { p.puts.WithLabelValues(shardLabelValue(shard)).Inc() }
func (p *Prom) IncGet(shard uint32)    { p.gets.WithLabelValues(shardLabelValue(shard)).Inc() }
func (p *Prom) IncDelete(shard uint32) { p.deletes.WithLabelValues(shardLabelValue(shard)).Inc() }
func (p *Prom) IncNotFound(shard uint32) {
	p.notFound.WithLabelValues(shardLabelValue(shard)).Inc()
}
func (p *Prom) IncQuantumGetPartialMiss(shard uint32, missCount int) {
	p.quantumPartialMiss.WithLabelValues(shardLabelValue(shard)).Add(float64(missCount))
}
func (p *Prom) IncCorruptTail(shard uint32) {
	p.corruptTail.WithLabelValues(shardLabelValue(shard)).Inc()
}
func (p *Prom) IncCheckpointSuccess(shard uint32) {
	p.checkpointOK.WithLabelValues(shardLabelValue(shard)).Inc()
}
func (p *Prom) IncCheckpointFailure(shard uint32) {
	p.checkpointFail.WithLabelValues(shardLabelValue(shard)).Inc()
}
func (p *Prom) SetWALUnflushedBytes(shard uint32, value int64) {
	if int(shard) < len(p.walUnflushedMirror) {
		p.walUnflushedMirror[shard].Store(value)
	}
	p.walUnflushed.WithLabelValues(shardLabelValue(shard)).Set(float64(value))
}
func (p *Prom) SetCacheTierSize(tier string, value int64) {
	p.cacheTierSize.WithLabelValues(tier).Set(float64(value))
}
func (p *Prom) ObserveOpLatencyUS(op string, us int64) {
	p.opLatencyUS.WithLabelValues(op).Observe(float64(us))
}
func (p *Prom) SetEntropy(value float64) { p.entropy.Set(value) }
func (p *Prom) SetSkew(value float64)    { p.skew.Set(value) }
