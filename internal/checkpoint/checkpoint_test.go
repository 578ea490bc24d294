package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Voskan/warpengine/internal/codec"
)

type fakeSource struct {
	records []codec.Record
	seq     uint64
	size    int64
}

func (f *fakeSource) Snapshot(policy SnapshotPolicy) ([]codec.Record, uint64, int64, error) {
	return f.records, f.seq, f.size, nil
}

func sampleRecords() []codec.Record {
	return []codec.Record{
		{Key: []byte("a"), Value: []byte("1"), Meta: codec.RecordMeta{ShardID: 1}},
		{Key: []byte("b"), Value: []byte("2"), Meta: codec.RecordMeta{ShardID: 1}},
	}
}

func TestRunWritesCurrentCheckpointAndTruncates(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{records: sampleRecords(), seq: 42, size: 10}
	m, err := Open(dir, 1, src, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var truncatedSeq uint64
	err = m.Run(func(seq uint64) error {
		truncatedSeq = seq
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if truncatedSeq != 42 {
		t.Fatalf("expected truncate called with seq 42, got %d", truncatedSeq)
	}

	meta, records, err := m.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if meta.LastIncludedSeq != 42 {
		t.Fatalf("expected last_included_sequence 42, got %d", meta.LastIncludedSeq)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}

func TestCurrentReturnsErrNoCheckpointWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{}
	m, err := Open(dir, 1, src, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := m.Current(); err != ErrNoCheckpoint {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
}

func TestRunTwiceKeepsPreviousAsFallbackOnCorruption(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{records: sampleRecords(), seq: 1, size: 10}
	m, err := Open(dir, 2, src, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Run(nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	src.seq = 2
	if err := m.Run(nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	meta, _, err := m.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if meta.LastIncludedSeq != 2 {
		t.Fatalf("expected current checkpoint to be the latest (seq 2), got %d", meta.LastIncludedSeq)
	}

	// Corrupt the current snapshot; Current must fall back to seq 1.
	snapPath := filepath.Join(dir, checkpointID(2, 2), "table.snap")
	if err := os.WriteFile(snapPath, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupt snapshot: %v", err)
	}
	meta, _, err = m.Current()
	if err != nil {
		t.Fatalf("Current after corruption: %v", err)
	}
	if meta.LastIncludedSeq != 1 {
		t.Fatalf("expected fallback to previous checkpoint (seq 1), got %d", meta.LastIncludedSeq)
	}
}

func TestShouldCheckpointTriggersOnOpsCount(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{}
	m, err := Open(dir, 1, src, Options{Ops: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if m.ShouldCheckpoint() {
		t.Fatalf("should not trigger before any ops recorded")
	}
	m.NoteWALAppend(1)
	m.NoteWALAppend(1)
	m.NoteWALAppend(1)
	if !m.ShouldCheckpoint() {
		t.Fatalf("expected ShouldCheckpoint to trigger after exceeding Ops threshold")
	}
}
