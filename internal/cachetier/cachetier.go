// Package cachetier implements the Cache Tiers of spec.md §4.8: four tiers
// L0 (hottest) through L3 (coldest), fixed capacities, striped for
// concurrency, with a decayed-score eviction policy and cascading
// demotion between tiers.
//
// The eviction loop is adapted from the teacher's internal/clockpro ring
// scan (see DESIGN.md): clockpro's hot/cold/test discrete states become
// the continuous decayed score S(e) here, but the "walk the stripe,
// evict-or-demote" control flow is the same shape. L2/L3 are backed by
// badger, generalizing the teacher's own examples/disk_eject pattern from
// a demo into the core disk tier.
//
// © 2025 WarpEngine authors. MIT License.
package cachetier

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/s2"
	"go.uber.org/zap"
)

// Tier identifies one of the four cache levels, L0 hottest .. L3 coldest.
type Tier int

const (
	L0 Tier = iota
	L1
	L2
	L3
	numTiers
)

func (t Tier) String() string {
	return [...]string{"L0", "L1", "L2", "L3"}[t]
}

// Default tunables, per spec.md §4.8.
const (
	DefaultL0MaxEntry       = 4 << 10
	DefaultDemoteThreshold  = 0.1
	DefaultPromoteThreshold = 0.6
	DefaultCacheStripes     = 64
	DefaultCompressThreshold = 1024
)

// tauByTier controls per-tier score decay: L0 decays fastest, L3 slowest
// (spec.md §4.8: "tau_tier increases from L0 to L3").
var tauByTier = [numTiers]float64{
	L0: 5 * float64(time.Second/time.Microsecond),
	L1: 30 * float64(time.Second/time.Microsecond),
	L2: 300 * float64(time.Second/time.Microsecond),
	L3: 3600 * float64(time.Second/time.Microsecond),
}

type memEntry struct {
	value     []byte
	hitCount  uint64
	lastAccessUS int64
	compressed bool
}

func (e *memEntry) score(nowUS int64, tau float64) float64 {
	dt := float64(nowUS - e.lastAccessUS)
	if dt < 0 {
		dt = 0
	}
	return float64(e.hitCount) * math.Exp(-dt/tau)
}

type stripe struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

// memTier is a striped in-memory tier (used for L0/L1).
type memTier struct {
	tier     Tier
	capacity int
	stripes  []*stripe
}

func newMemTier(tier Tier, capacity, numStripes int) *memTier {
	mt := &memTier{tier: tier, capacity: capacity, stripes: make([]*stripe, numStripes)}
	for i := range mt.stripes {
		mt.stripes[i] = &stripe{entries: make(map[string]*memEntry)}
	}
	return mt
}

func (mt *memTier) stripeFor(key []byte) *stripe {
	h := xxhash.Sum64(key)
	return mt.stripes[h%uint64(len(mt.stripes))]
}

func (mt *memTier) len() int {
	n := 0
	for _, st := range mt.stripes {
		st.mu.Lock()
		n += len(st.entries)
		st.mu.Unlock()
	}
	return n
}

// diskTier is a badger-backed tier (used for L2/L3), storing s2-compressed
// values above CompressThreshold per spec.md §4.8.
type diskTier struct {
	tier              Tier
	db                *badger.DB
	compressThreshold int
}

func openDiskTier(tier Tier, dir string, compressThreshold int) (*diskTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &diskTier{tier: tier, db: db, compressThreshold: compressThreshold}, nil
}

func (dt *diskTier) close() error { return dt.db.Close() }

func (dt *diskTier) put(key, value []byte, hitCount uint64, nowUS int64) error {
	stored := value
	compressed := false
	if len(value) >= dt.compressThreshold {
		c := s2.Encode(nil, value)
		if len(c) < len(value) {
			stored = c
			compressed = true
		}
	}
	return dt.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, encodeDiskValue(stored, hitCount, nowUS, compressed))
		return txn.SetEntry(entry)
	})
}

func (dt *diskTier) get(key []byte) ([]byte, uint64, int64, bool) {
	var value []byte
	var hitCount uint64
	var lastAccessUS int64
	found := false
	_ = dt.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return nil
		}
		return item.Value(func(raw []byte) error {
			stored, hc, ts, compressed, err := decodeDiskValue(raw)
			if err != nil {
				return nil
			}
			if compressed {
				decompressed, err := s2.Decode(nil, stored)
				if err != nil {
					return nil
				}
				stored = decompressed
			}
			value = stored
			hitCount = hc
			lastAccessUS = ts
			found = true
			return nil
		})
	})
	return value, hitCount, lastAccessUS, found
}

func (dt *diskTier) delete(key []byte) {
	_ = dt.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Options configures a Cache. Zero values take spec.md §4.8 defaults.
type Options struct {
	Capacities        [4]int // C0..C3; C0/C1 are entry counts for L0/L1, C2/C3 are not enforced (the badger-backed L2/L3 are unbounded)
	L0MaxEntry        int
	DemoteThreshold   float64
	PromoteThreshold  float64
	CacheStripes      int
	CompressThreshold int
	DataDir           string // root for L2/L3 badger instances
	Logger            *zap.Logger
}

func (o *Options) setDefaults() {
	for i := range o.Capacities {
		if o.Capacities[i] <= 0 {
			o.Capacities[i] = 10000
		}
	}
	if o.L0MaxEntry <= 0 {
		o.L0MaxEntry = DefaultL0MaxEntry
	}
	if o.DemoteThreshold <= 0 {
		o.DemoteThreshold = DefaultDemoteThreshold
	}
	if o.PromoteThreshold <= 0 {
		o.PromoteThreshold = DefaultPromoteThreshold
	}
	if o.CacheStripes <= 0 {
		o.CacheStripes = DefaultCacheStripes
	}
	if o.CompressThreshold <= 0 {
		o.CompressThreshold = DefaultCompressThreshold
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Cache is the four-tier cache: L0/L1 in memory, L2/L3 on badger.
type Cache struct {
	opts  Options
	l0    *memTier
	l1    *memTier
	l2    *diskTier
	l3    *diskTier
}

// Open constructs the four tiers, opening badger instances for L2/L3 under
// opts.DataDir.
func Open(opts Options) (*Cache, error) {
	opts.setDefaults()
	l2, err := openDiskTier(L2, filepath.Join(opts.DataDir, "l2"), opts.CompressThreshold)
	if err != nil {
		return nil, fmt.Errorf("cachetier: open L2: %w", err)
	}
	l3, err := openDiskTier(L3, filepath.Join(opts.DataDir, "l3"), opts.CompressThreshold)
	if err != nil {
		l2.close()
		return nil, fmt.Errorf("cachetier: open L3: %w", err)
	}
	return &Cache{
		opts: opts,
		l0:   newMemTier(L0, opts.Capacities[L0], opts.CacheStripes),
		l1:   newMemTier(L1, opts.Capacities[L1], opts.CacheStripes),
		l2:   l2,
		l3:   l3,
	}, nil
}

// Close releases the badger handles backing L2/L3.
func (c *Cache) Close() error {
	var firstErr error
	if err := c.l2.close(); err != nil {
		firstErr = err
	}
	if err := c.l3.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Put writes value through every tier, starting L0 if small enough to fit
// L0_MAX_ENTRY, else L1, per spec.md §4.8.
func (c *Cache) Put(key, value []byte) {
	nowUS := time.Now().UnixMicro()
	if len(value) < c.opts.L0MaxEntry {
		c.insertMem(c.l0, key, value, nowUS)
	} else {
		c.insertMem(c.l1, key, value, nowUS)
	}
	_ = c.l2.put(key, value, 1, nowUS)
	_ = c.l3.put(key, value, 1, nowUS)
}

// Get looks up key across tiers in order L0→L1→L2→L3, promoting the entry
// one tier if its score exceeds the tier-above's PromoteThreshold.
func (c *Cache) Get(key []byte) ([]byte, bool) {
	nowUS := time.Now().UnixMicro()

	if v, ok := c.lookupMemAndMaybePromote(c.l0, nil, key, nowUS); ok {
		return v, true
	}
	if v, ok := c.lookupMemAndMaybePromote(c.l1, c.l0, key, nowUS); ok {
		return v, true
	}
	if v, hitCount, lastAccessUS, ok := c.l2.get(key); ok {
		c.maybePromoteFromDisk(c.l1, key, v, hitCount, lastAccessUS, nowUS, L2)
		return v, true
	}
	if v, hitCount, lastAccessUS, ok := c.l3.get(key); ok {
		e := &memEntry{hitCount: hitCount, lastAccessUS: lastAccessUS}
		if e.score(nowUS, tauByTier[L3]) > c.opts.PromoteThreshold {
			_ = c.l2.put(key, v, hitCount, nowUS)
		}
		return v, true
	}
	return nil, false
}

// Delete invalidates key across every tier, per spec.md §4.8's mandatory
// invalidation rule.
func (c *Cache) Delete(key []byte) {
	deleteFromMem(c.l0, key)
	deleteFromMem(c.l1, key)
	c.l2.delete(key)
	c.l3.delete(key)
}

func (c *Cache) insertMem(mt *memTier, key, value []byte, nowUS int64) {
	st := mt.stripeFor(key)
	st.mu.Lock()
	perStripeCap := mt.capacity / len(mt.stripes)
	if perStripeCap <= 0 {
		perStripeCap = 1
	}
	if _, exists := st.entries[string(key)]; !exists && len(st.entries) >= perStripeCap {
		c.evictColdestLocked(mt, st, nowUS)
	}
	st.entries[string(key)] = &memEntry{value: append([]byte(nil), value...), hitCount: 1, lastAccessUS: nowUS}
	st.mu.Unlock()
}

// evictColdestLocked evicts the lowest-score entry in st. If its score is
// still above DemoteThreshold it cascades into the next lower tier;
// otherwise it's dropped. Caller holds st.mu.
func (c *Cache) evictColdestLocked(mt *memTier, st *stripe, nowUS int64) {
	var victimKey string
	var victim *memEntry
	tau := tauByTier[mt.tier]
	var lowest float64 = math.MaxFloat64
	for k, e := range st.entries {
		s := e.score(nowUS, tau)
		if s < lowest {
			lowest = s
			victimKey = k
			victim = e
		}
	}
	if victim == nil {
		return
	}
	delete(st.entries, victimKey)

	if lowest > c.opts.DemoteThreshold {
		switch mt.tier {
		case L0:
			c.insertMem(c.l1, []byte(victimKey), victim.value, nowUS)
		case L1:
			_ = c.l2.put([]byte(victimKey), victim.value, victim.hitCount, victim.lastAccessUS)
		}
	}
}

// overfullFillRatio is spec.md §4.11's cache-evictor trigger: a stripe is
// only proactively swept once it's over 90% of its per-stripe capacity.
const overfullFillRatio = 0.9

// EvictOverfullStripes walks every L0/L1 stripe and evicts down to
// overfullFillRatio wherever a stripe's fill exceeds it, so hot writers
// never have to pay insertMem's synchronous eviction themselves once the
// background evictor keeps up (spec.md §4.11: "one [evictor] per cache
// stripe group, triggered when stripe fill > 90%"). It returns the number
// of entries evicted, for the caller to log/count.
func (c *Cache) EvictOverfullStripes() int {
	nowUS := time.Now().UnixMicro()
	evicted := 0
	for _, mt := range [...]*memTier{c.l0, c.l1} {
		perStripeCap := mt.capacity / len(mt.stripes)
		if perStripeCap <= 0 {
			perStripeCap = 1
		}
		threshold := int(float64(perStripeCap) * overfullFillRatio)
		for _, st := range mt.stripes {
			st.mu.Lock()
			for len(st.entries) > threshold {
				c.evictColdestLocked(mt, st, nowUS)
				evicted++
			}
			st.mu.Unlock()
		}
	}
	return evicted
}

func (c *Cache) lookupMemAndMaybePromote(mt *memTier, promoteTo *memTier, key []byte, nowUS int64) ([]byte, bool) {
	st := mt.stripeFor(key)
	st.mu.Lock()
	e, ok := st.entries[string(key)]
	if !ok {
		st.mu.Unlock()
		return nil, false
	}
	e.hitCount++
	e.lastAccessUS = nowUS
	value := append([]byte(nil), e.value...)
	score := e.score(nowUS, tauByTier[mt.tier])
	st.mu.Unlock()

	if promoteTo != nil && score > c.opts.PromoteThreshold {
		c.insertMem(promoteTo, key, value, nowUS)
	}
	return value, true
}

func (c *Cache) maybePromoteFromDisk(promoteTo *memTier, key, value []byte, hitCount uint64, lastAccessUS int64, nowUS int64, fromTier Tier) {
	tau := tauByTier[fromTier]
	e := &memEntry{value: value, hitCount: hitCount, lastAccessUS: lastAccessUS}
	if e.score(nowUS, tau) > c.opts.PromoteThreshold {
		c.insertMem(promoteTo, key, value, nowUS)
	}
}

func deleteFromMem(mt *memTier, key []byte) {
	st := mt.stripeFor(key)
	st.mu.Lock()
	delete(st.entries, string(key))
	st.mu.Unlock()
}

// Len reports the number of live entries in the given memory tier (L0/L1
// only; L2/L3 are queried directly via badger for offline inspection).
func (c *Cache) Len(tier Tier) int {
	switch tier {
	case L0:
		return c.l0.len()
	case L1:
		return c.l1.len()
	default:
		return -1
	}
}
