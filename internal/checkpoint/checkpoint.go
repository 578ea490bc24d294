// Package checkpoint implements the Checkpoint Manager of spec.md §4.3: a
// per-shard periodic snapshot of the in-memory table, written atomically,
// tracked by a manifest of which checkpoint is "current", used to bound
// WAL replay time on recovery.
//
// The snapshot-writer/manifest-swap shape is adapted from the teacher
// repo's pkg/shard.go sizeBytes/iteration helpers (see DESIGN.md); the
// byte-accounting used to decide stop-the-world vs copy-on-write mirrors
// genring's addBytes/size bookkeeping.
//
// © 2025 WarpEngine authors. MIT License.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Voskan/warpengine/internal/codec"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// FormatVersion identifies the on-disk shape of meta.json and the
// checkpoint snapshot encoding. The Engine Coordinator's own
// manifest.json records this value at open time and refuses to start
// against a data root written by an incompatible version.
const FormatVersion = 1

// SnapshotPolicy selects how a shard's table is drained into a checkpoint
// (spec.md §4.3).
type SnapshotPolicy uint8

const (
	// StopTheWorld briefly blocks writes and clones the table directly.
	// Suitable for tables below COWThreshold.
	StopTheWorld SnapshotPolicy = iota
	// CopyOnWrite maintains a structurally shared table, iterated
	// concurrently with live writes. Required above COWThreshold.
	CopyOnWrite
)

// TableSource is implemented by the Shard Store: it supplies the records
// to snapshot and the sequence number the snapshot covers.
type TableSource interface {
	// Snapshot returns (records, sequence, sizeBytes). Under StopTheWorld
	// the caller may block writers for the duration of this call; under
	// CopyOnWrite it must return an iterator-safe, structurally shared
	// view without blocking writers.
	Snapshot(policy SnapshotPolicy) (records []codec.Record, sequence uint64, sizeBytes int64, err error)
}

// Meta is the per-checkpoint metadata persisted as meta.json, the bit-exact
// shape named in spec.md §6.
type Meta struct {
	CheckpointID       string `json:"checkpoint_id"`
	ShardID            uint32 `json:"shard_id"`
	LastIncludedSeq    uint64 `json:"last_included_sequence"`
	CreatedUS          int64  `json:"created_us"`
	CRC32C             uint32 `json:"crc32c"`
}

// Options configures a Manager. Zero values take spec.md §4.3 defaults.
type Options struct {
	IntervalS     int
	WALBytes      int64
	Ops           int64
	COWThreshold  int64
	Logger        *zap.Logger
}

func (o *Options) setDefaults() {
	if o.IntervalS <= 0 {
		o.IntervalS = 300
	}
	if o.WALBytes <= 0 {
		o.WALBytes = 256 << 20
	}
	if o.Ops <= 0 {
		o.Ops = 1_000_000
	}
	if o.COWThreshold <= 0 {
		o.COWThreshold = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

var (
	// ErrNoCheckpoint is returned by Current when a shard has never
	// completed a checkpoint.
	ErrNoCheckpoint = errors.New("checkpoint: no current checkpoint")
	// ErrCheckpointInFlight is returned by TryCheckpoint when an attempt
	// for this shard is already running (spec.md §4.3: "at most one
	// checkpoint attempt per shard is active at any time").
	ErrCheckpointInFlight = errors.New("checkpoint: already in flight")
)

// Manager drives checkpoint creation, manifest maintenance, and recovery
// fallback for one shard.
type Manager struct {
	shardID uint32
	dir     string // <root>/shards/<id>/checkpoints
	opts    Options
	src     TableSource

	mu       sync.Mutex
	manifest manifestFile
	inFlight bool

	lastCheckpointAt time.Time
	walBytesSince    int64
	opsSince         int64
}

type manifestFile struct {
	Current    string   `json:"current"`
	History    []string `json:"history"` // oldest first
}

func manifestPath(dir string) string { return filepath.Join(dir, "manifest.json") }

// Open loads (or initializes) the checkpoint manifest for a shard.
func Open(dir string, shardID uint32, src TableSource, opts Options) (*Manager, error) {
	opts.setDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	m := &Manager{shardID: shardID, dir: dir, opts: opts, src: src, lastCheckpointAt: time.Now()}

	data, err := os.ReadFile(manifestPath(dir))
	switch {
	case os.IsNotExist(err):
		m.manifest = manifestFile{}
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(data, &m.manifest); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Current returns the metadata of the checkpoint currently marked
// "current", falling back to the previous listed one if it is missing or
// corrupt, per spec.md §4.3's recovery fallback rule. Returns
// ErrNoCheckpoint if no checkpoint survives verification.
func (m *Manager) Current() (Meta, []codec.Record, error) {
	m.mu.Lock()
	candidates := append([]string(nil), m.manifest.History...)
	if m.manifest.Current != "" {
		candidates = append(candidates, m.manifest.Current)
	}
	m.mu.Unlock()

	// Walk from newest to oldest; first one that verifies wins.
	for i := len(candidates) - 1; i >= 0; i-- {
		id := candidates[i]
		meta, records, err := m.load(id)
		if err == nil {
			return meta, records, nil
		}
		m.opts.Logger.Warn("checkpoint: skipping unusable checkpoint on recovery",
			zap.String("checkpoint_id", id), zap.Error(err))
	}
	return Meta{}, nil, ErrNoCheckpoint
}

func (m *Manager) checkpointDir(id string) string { return filepath.Join(m.dir, id) }

func (m *Manager) load(id string) (Meta, []codec.Record, error) {
	dir := m.checkpointDir(id)
	metaBytes, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return Meta{}, nil, err
	}
	var meta Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return Meta{}, nil, err
	}
	snapBytes, err := os.ReadFile(filepath.Join(dir, "table.snap"))
	if err != nil {
		return Meta{}, nil, err
	}
	if crc32.Checksum(snapBytes, castagnoli) != meta.CRC32C {
		return Meta{}, nil, fmt.Errorf("checkpoint: crc mismatch for %s", id)
	}
	records, err := decodeSnapshot(snapBytes)
	if err != nil {
		return Meta{}, nil, err
	}
	return meta, records, nil
}

// NoteWALAppend informs the Manager of WAL growth so it can evaluate the
// CHECKPOINT_WAL_BYTES and CHECKPOINT_OPS trigger conditions.
func (m *Manager) NoteWALAppend(bytesWritten int64) {
	m.mu.Lock()
	m.walBytesSince += bytesWritten
	m.opsSince++
	m.mu.Unlock()
}

// ShouldCheckpoint reports whether any spec.md §4.3 trigger condition is
// currently satisfied.
func (m *Manager) ShouldCheckpoint() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.lastCheckpointAt) > time.Duration(m.opts.IntervalS)*time.Second {
		return true
	}
	if m.walBytesSince > m.opts.WALBytes {
		return true
	}
	if m.opsSince > m.opts.Ops {
		return true
	}
	return false
}

// TruncateFn is invoked with the sequence a successful checkpoint covers,
// so the caller can truncate its WAL through that sequence.
type TruncateFn func(sequence uint64) error

// Run performs one checkpoint attempt: snapshot, encode, fsync, atomic
// rename, manifest update, then calls truncate with the covered sequence.
// A failing attempt leaves the previous checkpoint current (spec.md
// §4.3's failure semantics) and returns the error; it never returns
// ErrCheckpointInFlight concurrently with itself completing.
func (m *Manager) Run(truncate TruncateFn) error {
	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return ErrCheckpointInFlight
	}
	m.inFlight = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()

	records, seq, sizeBytes, err := m.src.Snapshot(m.policyFor(sizeHint(m)))
	if err != nil {
		return fmt.Errorf("checkpoint: snapshot: %w", err)
	}
	if sizeBytes > m.opts.COWThreshold {
		// sizeHint always selects CopyOnWrite for the first pass, so this
		// second CopyOnWrite snapshot is a defensive re-ask that replaces
		// the first pass's records and sequence.
		records, seq, _, err = m.src.Snapshot(CopyOnWrite)
		if err != nil {
			return fmt.Errorf("checkpoint: cow snapshot: %w", err)
		}
	}

	id := checkpointID(m.shardID, seq)
	dir := m.checkpointDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	snapBytes, err := encodeSnapshot(records)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	sum := crc32.Checksum(snapBytes, castagnoli)

	if err := writeFileSync(filepath.Join(dir, "table.snap"), snapBytes); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("checkpoint: write snapshot: %w", err)
	}

	meta := Meta{
		CheckpointID:    id,
		ShardID:         m.shardID,
		LastIncludedSeq: seq,
		CreatedUS:       time.Now().UnixMicro(),
		CRC32C:          sum,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	if err := writeFileSync(filepath.Join(dir, "meta.json"), metaBytes); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("checkpoint: write meta: %w", err)
	}

	m.mu.Lock()
	prev := m.manifest.Current
	if prev != "" {
		m.manifest.History = append(m.manifest.History, prev)
	}
	m.manifest.Current = id
	manifestBytes, merr := json.MarshalIndent(m.manifest, "", "  ")
	m.mu.Unlock()
	if merr != nil {
		return merr
	}
	if err := atomicWriteFile(manifestPath(m.dir), manifestBytes); err != nil {
		return fmt.Errorf("checkpoint: write manifest: %w", err)
	}

	m.mu.Lock()
	m.lastCheckpointAt = time.Now()
	m.walBytesSince = 0
	m.opsSince = 0
	m.mu.Unlock()

	if truncate != nil {
		if err := truncate(seq); err != nil {
			m.opts.Logger.Warn("checkpoint: wal truncation after checkpoint failed",
				zap.Uint32("shard", m.shardID), zap.Error(err))
		}
	}
	m.gcOldCheckpoints()
	return nil
}

// policyFor chooses StopTheWorld or CopyOnWrite based on the last known
// table size, matching spec.md §4.3's COW_THRESHOLD rule.
func (m *Manager) policyFor(lastSizeBytes int64) SnapshotPolicy {
	if lastSizeBytes > m.opts.COWThreshold {
		return CopyOnWrite
	}
	return StopTheWorld
}

func sizeHint(m *Manager) int64 {
	// Conservative: without a cached size, prefer COW so the first pass
	// never blocks writers longer than a stop-the-world pass would on a
	// table that turns out to be large.
	return m.opts.COWThreshold + 1
}

// gcOldCheckpoints deletes all but the most recent history entry, keeping
// one fallback per spec.md §4.3's recovery rule plus the current
// checkpoint.
func (m *Manager) gcOldCheckpoints() {
	m.mu.Lock()
	var toDelete []string
	for len(m.manifest.History) > 1 {
		toDelete = append(toDelete, m.manifest.History[0])
		m.manifest.History = m.manifest.History[1:]
	}
	manifestBytes, err := json.MarshalIndent(m.manifest, "", "  ")
	m.mu.Unlock()
	if err == nil {
		_ = atomicWriteFile(manifestPath(m.dir), manifestBytes)
	}
	for _, id := range toDelete {
		_ = os.RemoveAll(m.checkpointDir(id))
	}
}

func checkpointID(shardID uint32, seq uint64) string {
	return fmt.Sprintf("ckpt-%d-%020d", shardID, seq)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path+".tmp", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
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
	return os.Rename(path+".tmp", path)
}

func atomicWriteFile(path string, data []byte) error {
	return writeFileSync(path, data)
}

func encodeSnapshot(records []codec.Record) ([]byte, error) {
	var out []byte
	for _, r := range records {
		buf, err := codec.Encode(r, codec.EncodeOpts{CompressThreshold: codec.CompressThreshold})
		if err != nil {
			return nil, err
		}
		out = append(out, buf...)
	}
	return out, nil
}

func decodeSnapshot(buf []byte) ([]codec.Record, error) {
	var records []codec.Record
	off := 0
	for off < len(buf) {
		rec, n, err := codec.DecodeAt(buf[off:])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		off += n
	}
	return records, nil
}

// ListCheckpoints returns the IDs of all "ckpt-" directories under dir,
// sorted by name (for one shard that is oldest sequence first); it does
// not read the manifest. Useful for offline inspection tooling.
func ListCheckpoints(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "ckpt-") {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
