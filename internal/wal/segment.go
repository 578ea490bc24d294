package wal

// segment.go manages one shard's WAL segment files on disk and their
// rotation. The rotation bookkeeping here is adapted from the teacher's
// internal/genring generation ring (see DESIGN.md): a "generation" that
// owned an arena and a byte budget becomes a "segment" that owns an
// *os.File and a byte budget (SEGMENT_MAX_BYTES); `Rotate` plays the same
// role `genring.Ring.Rotate` did, except the freed resource is a file that
// gets deleted (once covered by a checkpoint) instead of an arena that gets
// bulk-freed.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// segMagic is the 4-byte magic prefixing every segment file, per spec.md §6.
var segMagic = [4]byte{'W', 'R', 'P', '1'}

const segFormatVersion = 1
const segHeaderSize = 4 + 4 + 4 + 8 // magic + version + shard_id + base_seq

var errBadSegmentHeader = errors.New("wal: bad segment header")

// segment represents one open (or freshly created) WAL segment file.
type segment struct {
	path       string
	baseSeq    uint64 // first sequence number this segment may contain
	file       *os.File
	size       int64 // bytes written so far, including header
	lastOffset uint64
	lastSeq    uint64
	hasEntries bool
}

func segmentFileName(baseSeq uint64) string {
	return fmt.Sprintf("%020d.wal", baseSeq)
}

func parseSegmentBaseSeq(name string) (uint64, bool) {
	base := filepath.Base(name)
	if filepath.Ext(base) != ".wal" {
		return 0, false
	}
	numPart := base[:len(base)-len(".wal")]
	seq, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// createSegment creates a brand-new segment file with a valid header.
func createSegment(dir string, shardID uint32, baseSeq uint64) (*segment, error) {
	path := filepath.Join(dir, segmentFileName(baseSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	header := make([]byte, segHeaderSize)
	copy(header[0:4], segMagic[:])
	binary.LittleEndian.PutUint32(header[4:8], segFormatVersion)
	binary.LittleEndian.PutUint32(header[8:12], shardID)
	binary.LittleEndian.PutUint64(header[12:20], baseSeq)
	if _, err := f.Write(header); err != nil {
		f.Close()
		return nil, err
	}
	return &segment{path: path, baseSeq: baseSeq, file: f, size: int64(segHeaderSize), lastSeq: baseSeq}, nil
}

// openSegment opens an existing segment file for append, validating its
// header and scanning forward to determine size / lastSeq / lastOffset.
// Corrupt tails are truncated in place; the caller (WAL.recover) decides
// whether to log a CorruptTail metric.
func openSegment(path string, expectShardID uint32) (*segment, bool /*truncated*/, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, err
	}

	header := make([]byte, segHeaderSize)
	if _, err := readFull(f, header); err != nil {
		f.Close()
		return nil, false, errBadSegmentHeader
	}
	if string(header[0:4]) != string(segMagic[:]) {
		f.Close()
		return nil, false, errBadSegmentHeader
	}
	version := binary.LittleEndian.Uint32(header[4:8])
	if version != segFormatVersion {
		f.Close()
		return nil, false, fmt.Errorf("wal: unsupported segment format version %d", version)
	}
	shardID := binary.LittleEndian.Uint32(header[8:12])
	if shardID != expectShardID {
		f.Close()
		return nil, false, fmt.Errorf("wal: segment shard id mismatch: got %d want %d", shardID, expectShardID)
	}
	baseSeq := binary.LittleEndian.Uint64(header[12:20])

	seg := &segment{path: path, baseSeq: baseSeq, file: f, size: int64(segHeaderSize), lastSeq: baseSeq}

	truncated := false
	offset := int64(segHeaderSize)
	var lastGoodOffset uint64
	for {
		n, entry, err := readFrameAt(f, offset)
		if err != nil {
			if err == errShortRead {
				break // clean EOF, nothing truncated
			}
			// Corrupt frame: truncate the file to the last good offset.
			truncated = true
			if truncErr := f.Truncate(offset); truncErr != nil {
				f.Close()
				return nil, false, truncErr
			}
			break
		}
		seg.hasEntries = true
		seg.lastSeq = entry.Sequence
		lastGoodOffset = uint64(offset)
		offset += n
	}
	seg.size = offset
	seg.lastOffset = lastGoodOffset
	if _, err := f.Seek(offset, os.SEEK_SET); err != nil {
		f.Close()
		return nil, false, err
	}
	return seg, truncated, nil
}

var errShortRead = errors.New("wal: short read")

// readFrameAt reads one frame at the given file offset and returns the
// number of bytes consumed plus the decoded entry. It does not mutate the
// file's seek position for subsequent calls by the caller's own offset
// tracking (the caller re-seeks for each read, acceptable given recovery is
// a cold, sequential, one-time path).
func readFrameAt(f *os.File, offset int64) (int64, Entry, error) {
	head := make([]byte, 8+8+4)
	n, err := f.ReadAt(head, offset)
	if n < len(head) {
		return 0, Entry{}, errShortRead
	}
	_ = err

	seq := binary.LittleEndian.Uint64(head[0:8])
	bodyLen := binary.LittleEndian.Uint32(head[16:20])
	if bodyLen > 64<<20 {
		return 0, Entry{}, errors.New("wal: implausible body length")
	}

	rest := make([]byte, int(bodyLen)+4)
	n2, err := f.ReadAt(rest, offset+int64(len(head)))
	if n2 < len(rest) {
		return 0, Entry{}, errShortRead
	}
	_ = err

	body := rest[:bodyLen]
	wantSum := binary.LittleEndian.Uint32(rest[bodyLen:])
	gotSum := crc32Checksum(body)
	if wantSum != gotSum {
		return 0, Entry{}, errors.New("wal: crc mismatch")
	}

	entry, err := decodeBody(seq, body)
	if err != nil {
		return 0, Entry{}, err
	}
	total := int64(len(head) + len(rest))
	return total, entry, nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, errShortRead
		}
	}
	return total, nil
}

// append writes entry's frame to the segment without fsyncing; callers
// call sync separately (batched flush is the WAL's responsibility, not the
// segment's).
func (s *segment) append(e Entry) error {
	frame := e.frame(s.lastOffset)
	startOffset := uint64(s.size)
	if _, err := s.file.WriteAt(frame, int64(startOffset)); err != nil {
		return err
	}
	s.size += int64(len(frame))
	s.lastOffset = startOffset
	s.lastSeq = e.Sequence
	s.hasEntries = true
	return nil
}

func (s *segment) sync() error {
	return s.file.Sync()
}

func (s *segment) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *segment) remove() error {
	s.close()
	return os.Remove(s.path)
}

// listSegments scans dir for "*.wal" files sorted by base sequence
// ascending.
func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var bases []uint64
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if base, ok := parseSegmentBaseSeq(ent.Name()); ok {
			bases = append(bases, base)
		}
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases, nil
}
