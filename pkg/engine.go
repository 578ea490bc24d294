// Package warpengine is the public, stable API of the embedded storage
// engine described in spec.md: an Engine Coordinator that owns the
// lifecycle of a sharded, durable key/value store with an entanglement
// relationship index, a wormhole routing graph, and a multi-tier cache.
//
// The Coordinator's shape (a private struct behind a functional-options
// constructor, a lifecycle state machine, background goroutines started in
// Open and stopped in Close) follows the teacher's own pkg/cache.go New/
// Close discipline (see DESIGN.md), generalized from a single in-memory
// cache to a durable, shard-owning engine.
//
// © 2025 WarpEngine authors. MIT License.
package warpengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Voskan/warpengine/internal/cachetier"
	"github.com/Voskan/warpengine/internal/checkpoint"
	"github.com/Voskan/warpengine/internal/entanglement"
	"github.com/Voskan/warpengine/internal/entropy"
	"github.com/Voskan/warpengine/internal/errs"
	"github.com/Voskan/warpengine/internal/metricssink"
	"github.com/Voskan/warpengine/internal/router"
	"github.com/Voskan/warpengine/internal/scheduler"
	"github.com/Voskan/warpengine/internal/shardstore"
	"github.com/Voskan/warpengine/internal/unsafehelpers"
	"github.com/Voskan/warpengine/internal/wal"
	"github.com/Voskan/warpengine/internal/wormhole"
)

// LifecycleState mirrors spec.md §4.10's Engine state machine:
// Closed -> Opening -> Recovering -> Ready -> Draining -> Closed.
type LifecycleState int32

const (
	StateClosed LifecycleState = iota
	StateOpening
	StateRecovering
	StateReady
	StateDraining
)

func (s LifecycleState) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateRecovering:
		return "Recovering"
	case StateReady:
		return "Ready"
	case StateDraining:
		return "Draining"
	default:
		return "Unknown"
	}
}

// shard bundles one shard's WAL, checkpoint manager, and table.
type shard struct {
	id    uint32
	wal   *wal.WAL
	ckpt  *checkpoint.Manager
	store *shardstore.Store
}

// Engine is the top-level, embedded storage engine. Construct with Open.
type Engine struct {
	cfg    *Config
	logger *zap.Logger
	sink   metricssink.Sink

	state atomic.Int32

	shards []*shard
	router *router.Router
	index  *entanglement.Index
	graph  *wormhole.Graph
	cache  *cachetier.Cache
	mon    *entropy.Monitor

	pool *scheduler.Pool
}

// PutOpts configures a single put call (spec.md §4.10).
type PutOpts struct {
	Consistency  Consistency
	Tags         []string
	EntangleHint []string
}

// PutResult is returned on a successful put.
type PutResult struct {
	ShardID uint32
	OpUS    int64
}

// GetResult is returned on a successful get.
type GetResult struct {
	Value   []byte
	ShardID uint32
	OpUS    int64
}

// QuantumGetOpts configures quantum_get (spec.md §4.10).
type QuantumGetOpts struct {
	MaxEntangled int
	MinStrength  float64
	BudgetUS     int
}

// QuantumGetMetrics reports fetch outcomes for quantum_get's allowed
// partial-success path (spec.md §7).
type QuantumGetMetrics struct {
	RequestedEntangled int
	FetchedEntangled   int
	DroppedOverBudget  int
	PrunedDangling     int
}

// QuantumGetResult is quantum_get's response shape.
type QuantumGetResult struct {
	Primary   []byte
	Entangled map[string][]byte
	Metrics   QuantumGetMetrics
	ShardID   uint32
}

// DeleteResult is returned on a successful delete.
type DeleteResult struct {
	Deleted bool
	ShardID uint32
}

// Open constructs and starts an Engine: it recovers every shard from its
// checkpoint plus WAL tail, then starts background workers and transitions
// to Ready. Returns an *errs.Error on failure.
func Open(opts ...Option) (*Engine, error) {
	cfg := applyOptions(opts)
	if cfg.DataRoot == "" {
		return nil, errs.New(errs.KindInvalidArgument, "data root must be set")
	}
	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIoError, err)
	}

	e := &Engine{cfg: cfg, logger: cfg.Logger}
	e.state.Store(int32(StateOpening))

	var sink metricssink.Sink = metricssink.Noop{}
	if cfg.Registry != nil {
		sink = metricssink.NewProm(int(cfg.NumShards), cfg.Registry)
	}
	e.sink = sink

	if err := e.checkManifest(); err != nil {
		return nil, err
	}

	e.index = entanglement.New(cfg.EntanglementOptions)
	if cfg.EntanglementPatterns != nil {
		e.index.SetPatterns(cfg.EntanglementPatterns)
	}
	e.router = router.New(cfg.NumShards, entanglementNeighborAdapter{e.index})

	graphPath := filepath.Join(cfg.DataRoot, "wormholes", "graph.bin")
	if g, err := wormhole.Load(graphPath, wormhole.Options{}); err == nil {
		e.graph = g
	} else {
		e.graph = wormhole.New(wormhole.Options{})
	}

	cacheOpts := cfg.CachetierOptions
	cacheOpts.Capacities = cfg.CacheTierBytes
	cacheOpts.CompressThreshold = cfg.CompressThreshold
	cacheOpts.DataDir = filepath.Join(cfg.DataRoot, "cache")
	cacheOpts.Logger = cfg.Logger
	cache, err := cachetier.Open(cacheOpts)
	if err != nil {
		return nil, errs.Wrap(errs.KindIoError, err)
	}
	e.cache = cache

	e.mon = entropy.New(cfg.NumShards, entropy.Options{})

	e.state.Store(int32(StateRecovering))
	if err := e.openShards(); err != nil {
		return nil, err
	}

	e.state.Store(int32(StateReady))
	e.pool = scheduler.NewPool(e.logger)
	e.startBackgroundWorkers()

	return e, nil
}

type entanglementNeighborAdapter struct{ idx *entanglement.Index }

func (a entanglementNeighborAdapter) Neighbors(key []byte) []router.Neighbor {
	links := a.idx.Neighbors(string(key))
	out := make([]router.Neighbor, len(links))
	for i, l := range links {
		out[i] = router.Neighbor{Key: []byte(l.To), Strength: l.Strength}
	}
	return out
}

func (e *Engine) checkManifest() error {
	path := filepath.Join(e.cfg.DataRoot, "manifest.json")
	type engineManifest struct {
		ShardCount    uint32 `json:"shard_count"`
		FormatVersion int    `json:"format_version"`
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m := engineManifest{ShardCount: e.cfg.NumShards, FormatVersion: checkpoint.FormatVersion}
		buf, merr := json.MarshalIndent(m, "", "  ")
		if merr != nil {
			return errs.Wrap(errs.KindIoError, merr)
		}
		if err := os.WriteFile(path, buf, 0o644); err != nil {
			return errs.Wrap(errs.KindIoError, err)
		}
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.KindIoError, err)
	}
	var m engineManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return errs.New(errs.KindInvalidArgument, "corrupt engine manifest.json")
	}
	if m.FormatVersion != checkpoint.FormatVersion {
		return errs.New(errs.KindInvalidArgument,
			fmt.Sprintf("manifest format_version %d unsupported (want %d)", m.FormatVersion, checkpoint.FormatVersion))
	}
	if m.ShardCount != e.cfg.NumShards {
		return errs.New(errs.KindInvalidArgument,
			fmt.Sprintf("shard count mismatch: manifest has %d, config requests %d (offline resharding required)", m.ShardCount, e.cfg.NumShards))
	}
	return nil
}

func (e *Engine) openShards() error {
	e.shards = make([]*shard, e.cfg.NumShards)
	for i := uint32(0); i < e.cfg.NumShards; i++ {
		shardDir := filepath.Join(e.cfg.DataRoot, "shards", fmt.Sprintf("%d", i))

		w, err := wal.Open(filepath.Join(shardDir, "wal"), i, walOptionsFor(e.cfg, e.logger))
		if err != nil {
			return errs.Wrap(errs.KindIoError, err).WithShard(i)
		}

		st := shardstore.New(i, w, nil, shardstore.Options{MaxCapacity: e.cfg.ShardCapacity})
		ckpt, err := checkpoint.Open(filepath.Join(shardDir, "checkpoints"), i, st, checkpoint.Options{
			IntervalS: e.cfg.CheckpointIntervalS,
			WALBytes:  e.cfg.CheckpointWALBytes,
			Ops:       e.cfg.CheckpointOps,
			Logger:    e.logger,
		})
		if err != nil {
			return errs.Wrap(errs.KindIoError, err).WithShard(i)
		}
		st.SetCheckpointManager(ckpt)

		sh := &shard{id: i, wal: w, ckpt: ckpt, store: st}
		if err := st.Recover(); err != nil {
			return errs.Wrap(errs.KindIoError, err).WithShard(i)
		}
		if _, err := w.Replay(0, e.replayEntanglementEntry); err != nil {
			return errs.Wrap(errs.KindIoError, err).WithShard(i)
		}
		e.shards[i] = sh
	}
	return nil
}

// replayEntanglementEntry rebuilds the Entanglement Index's in-memory
// links from a shard's surviving WAL segments. The index itself is never
// checkpointed (spec.md §4.6 defines no snapshot format for it), so only
// link/unlink entries still on disk after WAL truncation are recovered;
// older links folded into an already-truncated segment are lost, the same
// way any WAL-only state is once its covering checkpoint has run.
func (e *Engine) replayEntanglementEntry(entry wal.Entry) error {
	switch entry.Op {
	case wal.OpLink:
		e.index.Link(string(entry.Key), string(entry.LinkTarget), entry.LinkStrength, entry.TimestampUS)
	case wal.OpUnlink:
		e.index.Unlink(string(entry.Key), string(entry.LinkTarget))
	}
	return nil
}

func (e *Engine) startBackgroundWorkers() {
	for _, sh := range e.shards {
		sh := sh
		e.pool.Spawn(fmt.Sprintf("checkpoint-%d", sh.id), time.Duration(e.cfg.CheckpointIntervalS)*time.Second, func(ctx context.Context) error {
			if !sh.ckpt.ShouldCheckpoint() {
				return nil
			}
			err := sh.ckpt.Run(sh.wal.TruncateThrough)
			if err != nil && err != checkpoint.ErrCheckpointInFlight {
				e.sink.IncCheckpointFailure(sh.id)
				return err
			}
			e.sink.IncCheckpointSuccess(sh.id)
			return nil
		})
	}

	e.pool.Spawn("entropy-sampler", time.Duration(entropy.DefaultIntervalMS)*time.Millisecond, func(ctx context.Context) error {
		snap := e.mon.Tick()
		e.sink.SetEntropy(snap.Entropy)
		e.sink.SetSkew(snap.Skew)
		return nil
	})

	e.pool.Spawn("wormhole-decay", time.Second, func(ctx context.Context) error {
		e.graph.Tick()
		return nil
	})

	e.pool.Spawn("wormhole-snapshot", 60*time.Second, func(ctx context.Context) error {
		path := filepath.Join(e.cfg.DataRoot, "wormholes")
		if err := os.MkdirAll(path, 0o755); err != nil {
			return err
		}
		return e.graph.Save(filepath.Join(path, "graph.bin"))
	})

	e.pool.Spawn("entanglement-decay", time.Second, func(ctx context.Context) error {
		e.index.Decay()
		return nil
	})

	e.pool.Spawn("cache-evictor", 500*time.Millisecond, func(ctx context.Context) error {
		e.cache.EvictOverfullStripes()
		e.sink.SetCacheTierSize(cachetier.L0.String(), int64(e.cache.Len(cachetier.L0)))
		e.sink.SetCacheTierSize(cachetier.L1.String(), int64(e.cache.Len(cachetier.L1)))
		return nil
	})
}

// Put inserts key/value with the given options, returning the shard that
// owns it and the operation's latency in microseconds.
func (e *Engine) Put(ctx context.Context, key, value []byte, opts PutOpts) (PutResult, error) {
	start := time.Now()
	if !e.acceptsWrites() {
		return PutResult{}, e.lifecycleError()
	}
	if len(value) > e.cfg.MaxValueBytes {
		return PutResult{}, errs.New(errs.KindInvalidArgument, "value exceeds max_value_bytes")
	}

	consistency := opts.Consistency
	if consistency == 0 && e.cfg.ConsistencyDefault != 0 {
		consistency = e.cfg.ConsistencyDefault
	}

	sh := e.shardFor(key)
	e.mon.RecordOp(sh.id)
	if err := sh.store.Insert(ctx, key, value, opts.Tags, consistency); err != nil {
		return PutResult{}, err
	}

	e.cache.Put(key, value)
	e.index.ApplyPatterns(string(key), time.Now().UnixMicro())
	for _, hint := range opts.EntangleHint {
		e.index.Link(string(key), hint, entanglement.DefaultReinforcement*2, time.Now().UnixMicro())
	}

	e.sink.IncPut(sh.id)
	opUS := time.Since(start).Microseconds()
	e.sink.ObserveOpLatencyUS("put", opUS)
	return PutResult{ShardID: sh.id, OpUS: opUS}, nil
}

// Get returns the value for key, checking the cache before the owning
// shard's table.
func (e *Engine) Get(key []byte) (GetResult, error) {
	start := time.Now()
	if e.state.Load() == int32(StateRecovering) {
		return GetResult{}, errs.ErrRecoveryInProgress
	}
	if e.state.Load() == int32(StateClosed) {
		return GetResult{}, errs.ErrShardClosed
	}

	sh := e.shardFor(key)
	e.mon.RecordOp(sh.id)

	if v, ok := e.cache.Get(key); ok {
		e.sink.IncGet(sh.id)
		return GetResult{Value: v, ShardID: sh.id, OpUS: time.Since(start).Microseconds()}, nil
	}

	value, _, ok := sh.store.LookupCoalesced(key)
	if !ok {
		e.sink.IncNotFound(sh.id)
		return GetResult{}, errs.ErrNotFound.WithShard(sh.id).WithKey(key)
	}
	e.cache.Put(key, value)
	e.sink.IncGet(sh.id)
	return GetResult{Value: value, ShardID: sh.id, OpUS: time.Since(start).Microseconds()}, nil
}

// QuantumGet fetches key's primary value plus its entangled neighbors,
// grouped by owning shard and fetched with one goroutine per shard group
// (spec.md §4.5's locate_candidates, §4.10 step 3: "group neighbors by
// shard; issue shard-local parallel fetches"). A neighbor that comes back
// NotFound is a dangling link (its target was deleted after the link was
// made) and is pruned from the Entanglement Index on the spot, durably,
// per spec.md Invariant 4 ("dangling links are pruned lazily on read") —
// it is never counted as a budget drop, only as PrunedDangling, so it
// cannot be re-fetched (or re-miscounted) on a later call.
func (e *Engine) QuantumGet(ctx context.Context, key []byte, opts QuantumGetOpts) (QuantumGetResult, error) {
	if opts.MaxEntangled == 0 {
		opts.MaxEntangled = e.cfg.MaxEntangled
	}
	if opts.MinStrength == 0 {
		opts.MinStrength = e.cfg.MinStrength
	}
	if opts.BudgetUS == 0 {
		opts.BudgetUS = e.cfg.BudgetUS
	}

	primaryResult, err := e.Get(key)
	if err != nil {
		return QuantumGetResult{}, err
	}

	neighbors := e.index.Neighbors(string(key))
	var candidates []entanglement.Link
	for _, n := range neighbors {
		if n.Strength >= opts.MinStrength {
			candidates = append(candidates, n)
		}
		if len(candidates) >= opts.MaxEntangled {
			break
		}
	}

	shardGroups := make(map[uint32][]entanglement.Link, len(candidates))
	for _, c := range candidates {
		shardID := e.router.ShardFor(unsafehelpers.StringToBytes(c.To))
		shardGroups[shardID] = append(shardGroups[shardID], c)
	}
	candidateShards := e.router.LocateCandidates(key)

	budgetCtx, cancel := context.WithTimeout(ctx, time.Duration(opts.BudgetUS)*time.Microsecond)
	defer cancel()

	type fetchResult struct {
		key   string
		value []byte
		shard uint32
	}
	entangled := make(map[string][]byte)
	var hitShards []uint32
	var dropped int32
	var pruned int32

	g, gctx := errgroup.WithContext(budgetCtx)
	resultsCh := make(chan fetchResult, len(candidates))

	for _, shardID := range candidateShards {
		group := shardGroups[shardID]
		if len(group) == 0 {
			continue
		}
		g.Go(func() error {
			for _, c := range group {
				select {
				case <-gctx.Done():
					atomic.AddInt32(&dropped, 1)
					continue
				default:
				}
				r, err := e.Get(unsafehelpers.StringToBytes(c.To))
				if err != nil {
					if errors.Is(err, errs.ErrNotFound) {
						atomic.AddInt32(&pruned, 1)
						e.pruneDanglingLink(string(key), c.To)
					} else {
						atomic.AddInt32(&dropped, 1)
					}
					continue
				}
				select {
				case resultsCh <- fetchResult{c.To, r.Value, r.ShardID}:
				case <-gctx.Done():
					atomic.AddInt32(&dropped, 1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(resultsCh)
	for r := range resultsCh {
		entangled[r.key] = r.value
		hitShards = append(hitShards, r.shard)
	}

	e.graph.RecordCooccurrence(primaryResult.ShardID, hitShards)
	e.sink.IncQuantumGetPartialMiss(primaryResult.ShardID, int(dropped))

	return QuantumGetResult{
		Primary:   primaryResult.Value,
		Entangled: entangled,
		ShardID:   primaryResult.ShardID,
		Metrics: QuantumGetMetrics{
			RequestedEntangled: len(candidates),
			FetchedEntangled:   len(entangled),
			DroppedOverBudget:  int(dropped),
			PrunedDangling:     int(pruned),
		},
	}, nil
}

// pruneDanglingLink removes a stale from->to link both from the
// in-memory Entanglement Index and, durably, from the from-key's shard
// WAL, so the link does not reappear on recovery (spec.md Invariant 1's
// durability rule applies symmetrically to pruning, not just creation).
func (e *Engine) pruneDanglingLink(from, to string) {
	sh := e.shardFor(unsafehelpers.StringToBytes(from))
	if _, err := sh.wal.Append(wal.Entry{
		Op:         wal.OpUnlink,
		Key:        []byte(from),
		LinkTarget: []byte(to),
	}); err != nil {
		e.logger.Warn("engine: failed to durably prune dangling link", zap.String("from", from), zap.String("to", to), zap.Error(err))
	}
	e.index.Unlink(from, to)
}

// Delete removes key, invalidating the cache too.
func (e *Engine) Delete(ctx context.Context, key []byte) (DeleteResult, error) {
	if !e.acceptsWrites() {
		return DeleteResult{}, e.lifecycleError()
	}
	sh := e.shardFor(key)
	e.mon.RecordOp(sh.id)

	existed, err := sh.store.Remove(ctx, key, e.cfg.ConsistencyDefault)
	if err != nil {
		return DeleteResult{}, err
	}
	e.cache.Delete(key)
	e.sink.IncDelete(sh.id)
	return DeleteResult{Deleted: existed, ShardID: sh.id}, nil
}

// EntangleTarget is one target of an entangle() call, optionally carrying
// an explicit strength (spec.md §4.10).
type EntangleTarget struct {
	Key      string
	Strength float64 // 0 means "use default_strength"
}

// Entangle links from to each target, durable via the from-key's shard
// WAL (spec.md §4.6's durability rule).
func (e *Engine) Entangle(ctx context.Context, from []byte, targets []EntangleTarget) error {
	if !e.acceptsWrites() {
		return e.lifecycleError()
	}
	sh := e.shardFor(from)
	nowUS := time.Now().UnixMicro()
	for _, t := range targets {
		strength := t.Strength
		if strength == 0 {
			strength = entanglement.DefaultReinforcement * 2
		}
		if _, err := sh.wal.Append(wal.Entry{
			Op:           wal.OpLink,
			Key:          from,
			LinkTarget:   []byte(t.Key),
			LinkStrength: strength,
		}); err != nil {
			return errs.Wrap(errs.KindIoError, err).WithShard(sh.id)
		}
		e.index.Link(string(from), t.Key, strength, nowUS)
	}
	return nil
}

// ForceFlush flushes shardID's WAL (or every shard if shardID is nil),
// honoring an optional deadline (spec.md §4.10, §5).
func (e *Engine) ForceFlush(ctx context.Context, shardID *uint32) error {
	targets := e.targetShards(shardID)
	for _, sh := range targets {
		select {
		case <-ctx.Done():
			return errs.ErrBackpressure.WithShard(sh.id)
		default:
		}
		if err := sh.wal.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return errs.ErrBackpressure.WithShard(sh.id)
			}
			return errs.Wrap(errs.KindIoError, err).WithShard(sh.id)
		}
	}
	return nil
}

// ForceCheckpoint checkpoints shardID (or every shard if nil), honoring
// an optional deadline.
func (e *Engine) ForceCheckpoint(ctx context.Context, shardID *uint32) error {
	targets := e.targetShards(shardID)
	for _, sh := range targets {
		select {
		case <-ctx.Done():
			return errs.ErrBackpressure.WithShard(sh.id)
		default:
		}
		if err := sh.ckpt.Run(sh.wal.TruncateThrough); err != nil && err != checkpoint.ErrCheckpointInFlight {
			return errs.Wrap(errs.KindIoError, err).WithShard(sh.id)
		}
	}
	return nil
}

func (e *Engine) targetShards(shardID *uint32) []*shard {
	if shardID == nil {
		return e.shards
	}
	if int(*shardID) >= len(e.shards) {
		return nil
	}
	return []*shard{e.shards[*shardID]}
}

// MetricsSnapshot summarizes engine-wide state for metrics().
type MetricsSnapshot struct {
	State         string
	ShardLoads    []uint64
	Entropy       float64
	Skew          float64
	CacheL0Len    int
	CacheL1Len    int
}

// Metrics returns a point-in-time snapshot (spec.md §4.10).
func (e *Engine) Metrics() MetricsSnapshot {
	snap := e.mon.Tick()
	return MetricsSnapshot{
		State:      LifecycleState(e.state.Load()).String(),
		ShardLoads: snap.PerShardOps,
		Entropy:    snap.Entropy,
		Skew:       snap.Skew,
		CacheL0Len: e.cache.Len(cachetier.L0),
		CacheL1Len: e.cache.Len(cachetier.L1),
	}
}

// Close transitions the engine through Draining then Closed, waiting up
// to CloseTimeoutS for outstanding flushes/checkpoints (spec.md §4.10,
// §5). Calling Close on an already closed engine returns nil.
func (e *Engine) Close() error {
	if LifecycleState(e.state.Load()) == StateClosed {
		return nil
	}
	e.state.Store(int32(StateDraining))

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(e.cfg.CloseTimeoutS)*time.Second)
	defer cancel()

	_ = e.pool.Stop(ctx)

	var firstErr error
	for _, sh := range e.shards {
		if err := sh.wal.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := sh.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	path := filepath.Join(e.cfg.DataRoot, "wormholes")
	_ = os.MkdirAll(path, 0o755)
	_ = e.graph.Save(filepath.Join(path, "graph.bin"))

	e.state.Store(int32(StateClosed))
	return firstErr
}

func (e *Engine) shardFor(key []byte) *shard {
	id := e.router.ShardFor(key)
	return e.shards[id]
}

func (e *Engine) acceptsWrites() bool {
	return e.state.Load() == int32(StateReady)
}

func (e *Engine) lifecycleError() error {
	switch LifecycleState(e.state.Load()) {
	case StateRecovering:
		return errs.ErrRecoveryInProgress
	case StateDraining, StateClosed:
		return errs.ErrShardClosed
	default:
		return errs.New(errs.KindInvalidArgument, "engine not ready")
	}
}
