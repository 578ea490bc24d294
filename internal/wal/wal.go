// Package wal implements the Per-Shard WAL of spec.md §4.2: an
// append-only, crash-durable, per-shard ordered log of mutations, with
// batched fsync flushing, replay-based recovery, and checkpoint-driven
// truncation.
//
// Segment rotation is adapted from the teacher repo's internal/genring
// generation ring (see DESIGN.md): segments rotate on SEGMENT_MAX_BYTES
// instead of on a TTL (the list of segment handles grows by one per
// rotation; it is not a fixed-size ring), and the "freed" resource is a
// file deleted by TruncateThrough instead of an arena bulk-freed on a timer.
//
// © 2025 WarpEngine authors. MIT License.
package wal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FlushPolicy selects when the background flusher fsyncs the active
// segment (spec.md §4.2).
type FlushPolicy uint8

const (
	// FlushInterval fsyncs at most every FlushIntervalMS.
	FlushInterval FlushPolicy = iota
	// FlushEveryWrite fsyncs synchronously after every Append.
	FlushEveryWrite
	// FlushOnBufferFull signals a flush once unflushed bytes exceed half of
	// MaxUnflushedBytes; the flusher's ticker still fsyncs every
	// FlushIntervalMS, as it does under every policy.
	FlushOnBufferFull
)

// Options configures an opened WAL. Zero values are replaced with spec.md
// §4.2/§6 defaults by Open.
type Options struct {
	SegmentMaxBytes   int64
	FlushPolicy       FlushPolicy
	FlushIntervalMS   int
	MaxUnflushedBytes int64
	Logger            *zap.Logger
}

func (o *Options) setDefaults() {
	if o.SegmentMaxBytes <= 0 {
		o.SegmentMaxBytes = 64 << 20 // SEGMENT_MAX_BYTES default
	}
	if o.FlushIntervalMS <= 0 {
		o.FlushIntervalMS = 10 // FLUSH_INTERVAL_MS default
	}
	if o.MaxUnflushedBytes <= 0 {
		o.MaxUnflushedBytes = 16 << 20
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Stats exposes WAL-level counters for spec.md §4.10's metrics() surface.
type Stats struct {
	CorruptTailCount uint64
	Appended         uint64
	Flushed          uint64
	Segments         int
}

// WAL is the durable, ordered, per-shard mutation log of spec.md §4.2.
type WAL struct {
	dir     string
	shardID uint32
	opts    Options

	mu       sync.Mutex // guards active/segments/manifest; single-producer append path
	active   *segment
	segments []*segment

	nextSeq        atomic.Uint64
	unflushedBytes atomic.Int64
	lastFlushedSeq atomic.Uint64

	corruptTailCount atomic.Uint64
	appendedCount    atomic.Uint64
	flushedCount     atomic.Uint64

	readOnly atomic.Bool
	closed   atomic.Bool

	flushSignal chan struct{}
	stopFlusher chan struct{}
	flusherDone chan struct{}

	flushWaitersMu sync.Mutex
	flushWaitCh    chan struct{}
}

// Open opens (or creates) the WAL directory for one shard, recovering the
// segment ring and resuming sequence allocation from the last durable
// value per spec.md Invariant 2.
func Open(dir string, shardID uint32, opts Options) (*WAL, error) {
	opts.setDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	w := &WAL{
		dir:         dir,
		shardID:     shardID,
		opts:        opts,
		flushSignal: make(chan struct{}, 1),
		stopFlusher: make(chan struct{}),
		flusherDone: make(chan struct{}),
		flushWaitCh: make(chan struct{}),
	}

	bases, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	if len(bases) == 0 {
		seg, err := createSegment(dir, shardID, 0)
		if err != nil {
			return nil, err
		}
		w.segments = []*segment{seg}
		w.active = seg
		w.nextSeq.Store(0)
	} else {
		for i, base := range bases {
			path := filepath.Join(dir, segmentFileName(base))
			isLast := i == len(bases)-1
			seg, truncated, err := openSegment(path, shardID)
			if err != nil {
				return nil, fmt.Errorf("wal: open segment %s: %w", path, err)
			}
			if truncated {
				w.corruptTailCount.Add(1)
				opts.Logger.Warn("wal: truncated corrupt segment tail on recovery",
					zap.String("path", path), zap.Uint32("shard", shardID))
			}
			w.segments = append(w.segments, seg)
			if isLast {
				w.active = seg
			}
		}
		last := w.segments[len(w.segments)-1]
		if last.hasEntries {
			w.nextSeq.Store(last.lastSeq + 1)
		} else {
			w.nextSeq.Store(last.baseSeq)
		}
	}
	w.lastFlushedSeq.Store(0)
	if w.nextSeq.Load() > 0 {
		w.lastFlushedSeq.Store(w.nextSeq.Load() - 1)
	}

	go w.flusherLoop()
	return w, nil
}

// NextSequenceHint returns the sequence that would be assigned to the next
// Append call, without allocating it. Used by the Shard Store to report
// its recovered high-water mark.
func (w *WAL) NextSequenceHint() uint64 { return w.nextSeq.Load() }

// Append assigns the next per-shard sequence number, frames the entry, and
// writes it into the active segment. Returns ErrShardClosed if shutting
// down, ErrBackpressure if the unflushed buffer is over budget (spec.md
// §4.2).
func (w *WAL) Append(e Entry) (uint64, error) {
	if w.closed.Load() {
		return 0, ErrShardClosed
	}
	if w.readOnly.Load() {
		return 0, &ErrIO{Err: fmt.Errorf("wal: shard %d is read-only", w.shardID)}
	}
	if w.unflushedBytes.Load() > w.opts.MaxUnflushedBytes {
		return 0, ErrBackpressure
	}

	// Sequence allocation is AcqRel against the flush thread per spec.md
	// §9 ("sequence allocation MUST be AcqRel... against the WAL writer").
	seq := w.nextSeq.Add(1) - 1
	e.Sequence = seq
	if e.TimestampUS == 0 {
		e.TimestampUS = time.Now().UnixMicro()
	}
	e.ShardID = w.shardID

	w.mu.Lock()
	if err := w.active.append(e); err != nil {
		w.mu.Unlock()
		w.readOnly.Store(true)
		return 0, &ErrIO{Err: err}
	}
	frameLen := int64(len(e.frame(0))) // approximate size for backpressure accounting
	rotateNeeded := w.active.size > w.opts.SegmentMaxBytes
	w.mu.Unlock()

	w.unflushedBytes.Add(frameLen)
	w.appendedCount.Add(1)

	if rotateNeeded {
		_ = w.Rotate()
	}

	switch w.opts.FlushPolicy {
	case FlushEveryWrite:
		if err := w.Flush(context.Background()); err != nil {
			return seq, err
		}
	case FlushOnBufferFull:
		if w.unflushedBytes.Load() > w.opts.MaxUnflushedBytes/2 {
			w.signalFlush()
		}
	default:
		w.signalFlush()
	}

	return seq, nil
}

func (w *WAL) signalFlush() {
	select {
	case w.flushSignal <- struct{}{}:
	default:
	}
}

// Flush fsyncs the active segment in a single syscall, batching all
// appends since the last flush (spec.md §4.2: "MUST batch writes in a
// single syscall per flush"), and wakes any WaitFlushed waiters.
func (w *WAL) Flush(ctx context.Context) error {
	w.mu.Lock()
	active := w.active
	lastSeq := active.lastSeq
	hasEntries := active.hasEntries
	w.mu.Unlock()

	if hasEntries {
		if err := active.sync(); err != nil {
			w.readOnly.Store(true)
			return &ErrIO{Err: err}
		}
	}

	w.mu.Lock()
	m := &manifestFile{Active: w.active.baseSeq, LastFlushedSequence: lastSeq}
	for _, s := range w.segments {
		m.Segments = append(m.Segments, s.baseSeq)
	}
	err := saveManifest(w.dir, m)
	w.mu.Unlock()
	if err != nil {
		return &ErrIO{Err: err}
	}

	w.lastFlushedSeq.Store(lastSeq)
	w.flushedCount.Add(1)
	w.unflushedBytes.Store(0)
	w.broadcastFlush()
	return nil
}

func (w *WAL) broadcastFlush() {
	w.flushWaitersMu.Lock()
	close(w.flushWaitCh)
	w.flushWaitCh = make(chan struct{})
	w.flushWaitersMu.Unlock()
}

// WaitFlushed blocks until a flush covering seq has completed, or ctx is
// done. Used by the Shard Store for `strong` consistency puts (spec.md
// §4.4, §5: "put with strong consistency blocks until the WAL flush thread
// acknowledges durability for its sequence").
func (w *WAL) WaitFlushed(ctx context.Context, seq uint64) error {
	for {
		if w.lastFlushedSeq.Load() >= seq {
			return nil
		}
		w.flushWaitersMu.Lock()
		ch := w.flushWaitCh
		w.flushWaitersMu.Unlock()

		w.signalFlush()
		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *WAL) flusherLoop() {
	defer close(w.flusherDone)
	ticker := time.NewTicker(time.Duration(w.opts.FlushIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = w.Flush(context.Background())
		case <-w.flushSignal:
			_ = w.Flush(context.Background())
		case <-w.stopFlusher:
			_ = w.Flush(context.Background())
			return
		}
	}
}

// Rotate fsyncs the current segment and opens the next one; idempotent in
// the sense that it is always safe to call (spec.md §4.2): while the active
// segment holds no entries it returns nil without creating a new file.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active.hasEntries {
		return nil
	}
	if err := w.active.sync(); err != nil {
		w.readOnly.Store(true)
		return &ErrIO{Err: err}
	}
	nextBase := w.nextSeq.Load()
	seg, err := createSegment(w.dir, w.shardID, nextBase)
	if err != nil {
		return &ErrIO{Err: err}
	}
	w.segments = append(w.segments, seg)
	w.active = seg
	return nil
}

// Replay reads entries >= fromSequence in order across all retained
// segments, calling visitor for each. It stops at the first corrupt record
// and returns the last good sequence observed (spec.md §4.2: "recovery is
// best-effort after truncation").
func (w *WAL) Replay(fromSequence uint64, visitor func(Entry) error) (uint64, error) {
	w.mu.Lock()
	segs := append([]*segment(nil), w.segments...)
	w.mu.Unlock()

	var lastGood uint64
	for _, seg := range segs {
		f, err := os.Open(seg.path)
		if err != nil {
			return lastGood, err
		}
		offset := int64(segHeaderSize)
		for {
			n, entry, err := readFrameAt(f, offset)
			if err == errShortRead {
				break // end of this segment
			}
			if err != nil {
				f.Close()
				return lastGood, nil // corrupt record: stop, best effort
			}
			offset += n
			if entry.Sequence < fromSequence {
				continue
			}
			if err := visitor(entry); err != nil {
				f.Close()
				return lastGood, err
			}
			lastGood = entry.Sequence
		}
		f.Close()
	}
	return lastGood, nil
}

// TruncateThrough deletes segments whose last sequence <= sequence. The
// caller (Checkpoint Manager) guarantees a covering checkpoint exists
// (spec.md §4.2, §4.3).
func (w *WAL) TruncateThrough(sequence uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.segments[:0:0]
	for _, seg := range w.segments {
		if seg == w.active {
			kept = append(kept, seg)
			continue
		}
		if seg.hasEntries && seg.lastSeq <= sequence {
			if err := seg.remove(); err != nil {
				return &ErrIO{Err: err}
			}
			continue
		}
		kept = append(kept, seg)
	}
	w.segments = kept
	return nil
}

// SetReadOnly forces the shard into read-only mode, per spec.md §7 ("Hot-
// path I/O errors move the shard to read-only").
func (w *WAL) SetReadOnly() { w.readOnly.Store(true) }

// ReadOnly reports whether the shard's WAL is currently read-only.
func (w *WAL) ReadOnly() bool { return w.readOnly.Load() }

// Stats returns a point-in-time snapshot of WAL counters.
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	n := len(w.segments)
	w.mu.Unlock()
	return Stats{
		CorruptTailCount: w.corruptTailCount.Load(),
		Appended:         w.appendedCount.Load(),
		Flushed:          w.flushedCount.Load(),
		Segments:         n,
	}
}

// Close stops the flusher goroutine (after a final best-effort flush) and
// closes all segment files.
func (w *WAL) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	close(w.stopFlusher)
	<-w.flusherDone

	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, seg := range w.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
