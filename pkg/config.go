package warpengine

// config.go defines Config and the functional options WarpEngine exposes
// to callers, following the teacher's own pkg/config.go shape: a private
// struct filled with sane defaults, influenced only through Option values
// for forward compatibility.
//
// © 2025 WarpEngine authors. MIT License.

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Voskan/warpengine/internal/cachetier"
	"github.com/Voskan/warpengine/internal/entanglement"
	"github.com/Voskan/warpengine/internal/shardstore"
	"github.com/Voskan/warpengine/internal/wal"
)

// Consistency is re-exported from internal/shardstore so callers never
// import an internal package directly.
type Consistency = shardstore.Consistency

const (
	Strong   = shardstore.Strong
	Eventual = shardstore.Eventual
	Weak     = shardstore.Weak
)

// Option configures an Engine at Open time. Config is frozen once Open
// returns; no runtime reconfiguration is supported (spec.md §6).
type Option func(*Config)

// Config bundles every knob WarpEngine's open() accepts, per spec.md §6's
// environment/config table. applyOptions starts from defaultConfig, so
// unset fields keep the documented defaults.
type Config struct {
	DataRoot string

	NumShards         uint32
	MaxValueBytes     int
	FlushIntervalMS   int
	SegmentMaxBytes   int64
	CheckpointIntervalS int
	CheckpointWALBytes  int64
	CheckpointOps       int64
	CacheTierBytes      [4]int
	CompressThreshold   int
	ConsistencyDefault  Consistency
	CloseTimeoutS       int

	MaxEntangled int
	MinStrength  float64
	BudgetUS     int

	EntanglementOptions  entanglement.Options
	EntanglementPatterns []entanglement.Pattern
	CachetierOptions     cachetier.Options
	ShardCapacity        int

	Logger   *zap.Logger
	Registry *prometheus.Registry
}

func defaultConfig() *Config {
	return &Config{
		NumShards:           24,
		MaxValueBytes:       16 << 20,
		FlushIntervalMS:     10,
		SegmentMaxBytes:     64 << 20,
		CheckpointIntervalS: 300,
		CheckpointWALBytes:  256 << 20,
		CheckpointOps:       1_000_000,
		CacheTierBytes:      [4]int{10000, 10000, 10000, 10000},
		CompressThreshold:   1024,
		ConsistencyDefault:  Eventual,
		CloseTimeoutS:       30,
		MaxEntangled:        8,
		MinStrength:         0.3,
		BudgetUS:            1000,
		Logger:              zap.NewNop(),
	}
}

// WithDataRoot sets the on-disk root directory (spec.md §6's <root>).
func WithDataRoot(path string) Option {
	return func(c *Config) { c.DataRoot = path }
}

// WithNumShards overrides WARPENGINE_NUM_SHARDS. Fixed at open; changing it
// across restarts requires offline redistribution (spec.md §4.5).
func WithNumShards(n uint32) Option {
	return func(c *Config) { c.NumShards = n }
}

// WithMaxValueBytes overrides WARPENGINE_MAX_VALUE_BYTES.
func WithMaxValueBytes(n int) Option {
	return func(c *Config) { c.MaxValueBytes = n }
}

// WithFlushIntervalMS overrides WARPENGINE_FLUSH_INTERVAL_MS.
func WithFlushIntervalMS(ms int) Option {
	return func(c *Config) { c.FlushIntervalMS = ms }
}

// WithSegmentMaxBytes overrides WARPENGINE_SEGMENT_MAX_BYTES.
func WithSegmentMaxBytes(n int64) Option {
	return func(c *Config) { c.SegmentMaxBytes = n }
}

// WithCheckpointIntervalS overrides WARPENGINE_CHECKPOINT_INTERVAL_S.
func WithCheckpointIntervalS(s int) Option {
	return func(c *Config) { c.CheckpointIntervalS = s }
}

// WithCacheTierBytes overrides WARPENGINE_CACHE_TIER_BYTES=C0,C1,C2,C3.
// The values become cachetier.Options.Capacities: C0/C1 cap the number of
// entries in L0/L1 (not bytes), and C2/C3 are not enforced.
func WithCacheTierBytes(c0, c1, c2, c3 int) Option {
	return func(c *Config) { c.CacheTierBytes = [4]int{c0, c1, c2, c3} }
}

// WithCompressThreshold overrides WARPENGINE_COMPRESS_THRESHOLD.
func WithCompressThreshold(n int) Option {
	return func(c *Config) { c.CompressThreshold = n }
}

// WithConsistencyDefault overrides WARPENGINE_CONSISTENCY_DEFAULT, the
// consistency mode used when put's opts don't specify one.
func WithConsistencyDefault(c Consistency) Option {
	return func(cfg *Config) { cfg.ConsistencyDefault = c }
}

// WithCloseTimeout overrides CLOSE_TIMEOUT_S.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Config) { c.CloseTimeoutS = int(d / time.Second) }
}

// WithShardCapacity sets the per-shard max_capacity entry count enforced
// by the Shard Store (spec.md §4.4). 0 means unbounded.
func WithShardCapacity(n int) Option {
	return func(c *Config) { c.ShardCapacity = n }
}

// WithLogger plugs an external zap.Logger. WarpEngine never logs on the
// hot path; only slow events (checkpoint, recovery, corruption) are
// emitted, matching the teacher's own logging discipline.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMetricsRegistry enables Prometheus metrics collection. Passing nil
// disables metrics (default): the hot path pays nothing for metric
// updates when no registry is set.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(c *Config) { c.Registry = reg }
}

// WithEntanglementPatterns configures the auto-link patterns evaluated by
// the Entanglement Index on every insert (spec.md §4.6).
func WithEntanglementPatterns(patterns []entanglement.Pattern) Option {
	return func(c *Config) { c.EntanglementPatterns = patterns }
}

func applyOptions(opts []Option) *Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// walOptionsFor builds the per-shard wal.Options derived from Config.
func walOptionsFor(cfg *Config, logger *zap.Logger) wal.Options {
	return wal.Options{
		SegmentMaxBytes: cfg.SegmentMaxBytes,
		FlushIntervalMS: cfg.FlushIntervalMS,
		Logger:          logger,
	}
}
