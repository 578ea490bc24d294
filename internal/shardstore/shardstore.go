// Package shardstore implements the Shard Store of spec.md §4.4: one
// shard's in-memory key/value table, with capacity-driven eviction,
// consistency-mode-aware durability, and WAL-backed mutation.
//
// The table/lock/eviction shape is adapted from the teacher repo's
// pkg/shard.go (sizeBytes accounting, capacity checks) generalized from an
// LRU-ish cache shard into a durable table shard: every mutation that used
// to just touch memory now also appends a wal.Entry (see DESIGN.md).
//
// © 2025 WarpEngine authors. MIT License.
package shardstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Voskan/warpengine/internal/checkpoint"
	"github.com/Voskan/warpengine/internal/codec"
	"github.com/Voskan/warpengine/internal/errs"
	"github.com/Voskan/warpengine/internal/wal"
)

// Consistency selects the durability contract of a write, per spec.md §4.4.
// The zero value is not a mode; the Engine Coordinator reads it as "use the
// configured default".
type Consistency uint8

const (
	Strong Consistency = iota + 1
	Eventual
	Weak
)

type entry struct {
	value []byte
	meta  codec.RecordMeta
}

// Options configures a Store. Zero value takes spec.md defaults.
type Options struct {
	MaxCapacity int // 0 means unbounded
}

// Store is one shard's in-memory table plus its WAL.
type Store struct {
	shardID uint32
	opts    Options
	w       *wal.WAL
	ckpt    *checkpoint.Manager

	mu    sync.RWMutex
	table map[string]*entry

	sf singleflight.Group
}

// New constructs a Store bound to an already-open WAL and Checkpoint
// Manager for this shard.
func New(shardID uint32, w *wal.WAL, ckpt *checkpoint.Manager, opts Options) *Store {
	return &Store{
		shardID: shardID,
		opts:    opts,
		w:       w,
		ckpt:    ckpt,
		table:   make(map[string]*entry),
	}
}

// ShardID returns the shard this store owns.
func (s *Store) ShardID() uint32 { return s.shardID }

// SetCheckpointManager attaches the shard's Checkpoint Manager after
// construction: the manager's Open requires a TableSource (this Store)
// before it exists, so callers build the Store with a nil manager first,
// open the manager against it, then wire it back with this setter before
// calling Recover.
func (s *Store) SetCheckpointManager(ckpt *checkpoint.Manager) {
	s.mu.Lock()
	s.ckpt = ckpt
	s.mu.Unlock()
}

// Recover replays the shard's checkpoint (if any) followed by its WAL from
// last_included_sequence+1, rebuilding the in-memory table per spec.md
// Invariant 1.
func (s *Store) Recover() error {
	var fromSeq uint64
	if s.ckpt != nil {
		meta, records, err := s.ckpt.Current()
		if err == nil {
			s.mu.Lock()
			for _, r := range records {
				s.table[string(r.Key)] = &entry{value: r.Value, meta: r.Meta}
			}
			s.mu.Unlock()
			fromSeq = meta.LastIncludedSeq + 1
		}
	}

	_, err := s.w.Replay(fromSeq, func(e wal.Entry) error {
		switch e.Op {
		case wal.OpPut:
			s.mu.Lock()
			s.table[string(e.Key)] = &entry{
				value: e.Value,
				meta: codec.RecordMeta{
					ShardID:      e.ShardID,
					InsertUS:     e.TimestampUS,
					LastAccessUS: e.TimestampUS,
				},
			}
			s.mu.Unlock()
		case wal.OpDelete:
			s.mu.Lock()
			delete(s.table, string(e.Key))
			s.mu.Unlock()
		case wal.OpLink, wal.OpUnlink:
			// Entanglement Index rebuilds itself from the same WAL stream
			// independently; the Shard Store only owns the table.
		}
		return nil
	})
	return err
}

// Insert upserts key/value/meta, evicting the coldest entry if at
// capacity (or failing with CapacityExceeded in strong mode), and emits a
// put WAL entry durable per consistency.
func (s *Store) Insert(ctx context.Context, key, value []byte, tags []string, consistency Consistency) error {
	if s.w.ReadOnly() {
		return errs.ErrShardReadOnly.WithShard(s.shardID).WithKey(key)
	}

	nowUS := time.Now().UnixMicro()

	s.mu.Lock()
	if _, exists := s.table[string(key)]; !exists && s.opts.MaxCapacity > 0 && len(s.table) >= s.opts.MaxCapacity {
		if consistency == Strong {
			s.mu.Unlock()
			return errs.ErrCapacityExceeded.WithShard(s.shardID).WithKey(key)
		}
		victimKey, ok := s.coldestLocked()
		if ok {
			delete(s.table, victimKey)
			s.mu.Unlock()
			if _, err := s.w.Append(wal.Entry{Op: wal.OpDelete, Key: []byte(victimKey)}); err != nil {
				s.handleWALError(err)
			}
			s.mu.Lock()
		}
	}
	s.table[string(key)] = &entry{
		value: append([]byte(nil), value...),
		meta: codec.RecordMeta{
			ShardID:      s.shardID,
			InsertUS:     nowUS,
			LastAccessUS: nowUS,
			Tags:         tags,
		},
	}
	s.mu.Unlock()

	seq, err := s.w.Append(wal.Entry{Op: wal.OpPut, Key: key, Value: value})
	if err != nil {
		s.handleWALError(err)
		return mapWALError(err, s.shardID, key)
	}
	return s.waitDurable(ctx, consistency, seq)
}

// coldestLocked finds the lowest (last_access_us, access_counter) entry.
// Caller holds s.mu.
func (s *Store) coldestLocked() (string, bool) {
	var victim string
	var victimEntry *entry
	for k, e := range s.table {
		if victimEntry == nil ||
			e.meta.LastAccessUS < victimEntry.meta.LastAccessUS ||
			(e.meta.LastAccessUS == victimEntry.meta.LastAccessUS && e.meta.AccessCounter < victimEntry.meta.AccessCounter) {
			victim = k
			victimEntry = e
		}
	}
	return victim, victimEntry != nil
}

// Lookup returns the value and metadata for key, touching last_access_us
// and incrementing access_counter without a WAL write (spec.md §4.4:
// "metadata change is not durable").
func (s *Store) Lookup(key []byte) ([]byte, codec.RecordMeta, bool) {
	s.mu.RLock()
	e, ok := s.table[string(key)]
	s.mu.RUnlock()
	if !ok {
		return nil, codec.RecordMeta{}, false
	}

	s.mu.Lock()
	e.meta.LastAccessUS = time.Now().UnixMicro()
	codec.IncrementAccessCounter(&e.meta)
	value := append([]byte(nil), e.value...)
	meta := e.meta
	s.mu.Unlock()

	return value, meta, true
}

// Remove deletes key, emitting a delete WAL entry. Returns whether the key
// existed.
func (s *Store) Remove(ctx context.Context, key []byte, consistency Consistency) (bool, error) {
	if s.w.ReadOnly() {
		return false, errs.ErrShardReadOnly.WithShard(s.shardID).WithKey(key)
	}

	s.mu.Lock()
	_, existed := s.table[string(key)]
	delete(s.table, string(key))
	s.mu.Unlock()

	if !existed {
		return false, nil
	}

	seq, err := s.w.Append(wal.Entry{Op: wal.OpDelete, Key: key})
	if err != nil {
		s.handleWALError(err)
		return true, mapWALError(err, s.shardID, key)
	}
	return true, s.waitDurable(ctx, consistency, seq)
}

// LookupCoalesced performs Lookup but coalesces concurrent callers for the
// same key into a single logical read, per spec.md §5's read-coalescing
// guidance for hot keys.
func (s *Store) LookupCoalesced(key []byte) ([]byte, codec.RecordMeta, bool) {
	type result struct {
		value []byte
		meta  codec.RecordMeta
		ok    bool
	}
	v, _, _ := s.sf.Do(string(key), func() (interface{}, error) {
		value, meta, ok := s.Lookup(key)
		return result{value, meta, ok}, nil
	})
	r := v.(result)
	return r.value, r.meta, r.ok
}

// Snapshot implements checkpoint.TableSource: it returns a point-in-time
// copy of the table for checkpointing. Under StopTheWorld it holds the
// write lock for the duration of the copy; under CopyOnWrite it takes an
// RLock snapshot of the map's current entries (Go maps are not safe to
// range concurrently with writes, so a true structurally-shared COW would
// require a persistent map; this engine approximates it by copying under a
// read lock, which lets concurrent readers proceed during the scan but
// still blocks writers until the copy is done, as StopTheWorld does).
func (s *Store) Snapshot(policy checkpoint.SnapshotPolicy) ([]codec.Record, uint64, int64, error) {
	if policy == checkpoint.StopTheWorld {
		s.mu.Lock()
		defer s.mu.Unlock()
	} else {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}

	records := make([]codec.Record, 0, len(s.table))
	var size int64
	for k, e := range s.table {
		records = append(records, codec.Record{Key: []byte(k), Value: e.value, Meta: e.meta})
		size += int64(len(k) + len(e.value))
	}
	var lastSeq uint64
	if next := s.w.NextSequenceHint(); next > 0 {
		lastSeq = next - 1
	}
	return records, lastSeq, size, nil
}

// Iter calls visitor for every live record in unspecified order, used for
// bounded range scans (spec.md §4.4). Stops early if visitor returns false.
func (s *Store) Iter(visitor func(key []byte, value []byte, meta codec.RecordMeta) bool) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.table))
	for k := range s.table {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		s.mu.RLock()
		e, ok := s.table[k]
		var value []byte
		var meta codec.RecordMeta
		if ok {
			value = append([]byte(nil), e.value...)
			meta = e.meta
		}
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if !visitor([]byte(k), value, meta) {
			return
		}
	}
}

// Len returns the current number of live keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

func (s *Store) waitDurable(ctx context.Context, consistency Consistency, seq uint64) error {
	switch consistency {
	case Strong:
		return s.w.WaitFlushed(ctx, seq)
	case Weak, Eventual:
		return nil
	default:
		return nil
	}
}

func (s *Store) handleWALError(err error) {
	if _, ok := err.(*wal.ErrIO); ok {
		s.w.SetReadOnly()
	}
}

func mapWALError(err error, shardID uint32, key []byte) error {
	switch err {
	case wal.ErrShardClosed:
		return errs.ErrShardClosed.WithShard(shardID)
	case wal.ErrBackpressure:
		return errs.ErrBackpressure.WithShard(shardID).WithKey(key)
	}
	if _, ok := err.(*wal.ErrIO); ok {
		return errs.Wrap(errs.KindIoError, err).WithShard(shardID).WithKey(key)
	}
	return errs.Wrap(errs.KindIoError, err).WithShard(shardID).WithKey(key)
}
