// Package codec implements the Value Codec described in spec.md §4.1: a
// pure, allocation-minimal encoder/decoder for WarpEngine's on-disk and
// on-wire record format.
//
// Record layout (all integers little-endian):
//
//	[u32 key_len][key][u64 value_len][value][u32 meta_len][meta][u32 crc32c]
//
// The CRC32C (Castagnoli) checksum covers everything preceding it. Values
// above CompressThreshold are compressed with s2 (an LZ4-class, very fast
// algorithm) before framing; RecordMeta.Compressed records whether that
// happened so Decode can reverse it lazily.
//
// The codec never inspects value bytes beyond their length: WarpEngine
// treats values as opaque per spec.md §9 ("Dynamic typing of values... the
// core must not inspect value bytes").
//
// © 2025 WarpEngine authors. MIT License.
package codec

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/klauspost/compress/s2"
)

// ErrCorruptRecord is returned by Decode when the CRC32C checksum does not
// match, or any embedded length would overflow the supplied buffer.
var ErrCorruptRecord = errors.New("codec: corrupt record")

// CompressThreshold is the default value size (bytes) above which values are
// s2-compressed before framing. Overridable per-call via EncodeOpts.
const CompressThreshold = 1024

// castagnoli is the CRC32C polynomial table required by spec.md §4.1.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is the in-memory representation of one key/value pair plus its
// metadata, prior to (or after) framing.
type Record struct {
	Key   []byte
	Value []byte
	Meta  RecordMeta
}

// EncodeOpts tweaks Encode's behaviour; the zero value applies
// CompressThreshold.
type EncodeOpts struct {
	// CompressThreshold overrides the package default; 0 means "use the
	// package default", negative disables compression entirely.
	CompressThreshold int
}

// Encode serialises rec into a freshly allocated buffer following the
// layout documented at the top of this file. It allocates only the output
// buffer, per spec.md §4.1's "pure... allocates only the output buffer"
// requirement.
func Encode(rec Record, opts EncodeOpts) ([]byte, error) {
	threshold := opts.CompressThreshold
	if threshold == 0 {
		threshold = CompressThreshold
	}

	value := rec.Value
	meta := rec.Meta
	if threshold >= 0 && len(value) > threshold {
		compressed := s2.Encode(nil, value)
		if len(compressed) < len(value) {
			value = compressed
			meta.Compressed = true
		} else {
			meta.Compressed = false
		}
	} else {
		meta.Compressed = false
	}

	metaBytes, err := meta.encode()
	if err != nil {
		return nil, err
	}

	bodyLen := 4 + len(rec.Key) + 8 + len(value) + 4 + len(metaBytes)
	buf := make([]byte, bodyLen+4) // +4 for trailing CRC32C

	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(rec.Key)))
	off += 4
	off += copy(buf[off:], rec.Key)

	binary.LittleEndian.PutUint64(buf[off:], uint64(len(value)))
	off += 8
	off += copy(buf[off:], value)

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(metaBytes)))
	off += 4
	off += copy(buf[off:], metaBytes)

	sum := crc32.Checksum(buf[:off], castagnoli)
	binary.LittleEndian.PutUint32(buf[off:], sum)

	return buf, nil
}

// Decode parses buf (as produced by Encode) back into a Record, verifying
// the CRC32C trailer and reversing compression when RecordMeta.Compressed
// is set. Any length overflow or checksum mismatch returns ErrCorruptRecord
// (§4.1: "Decoder fails with CorruptRecord on CRC mismatch or length
// overflow").
func Decode(buf []byte) (Record, error) {
	rec, n, err := decodeFrom(buf)
	if err != nil {
		return Record{}, err
	}
	if n != len(buf) {
		return Record{}, ErrCorruptRecord
	}
	return rec, nil
}

// DecodeAt parses a single record from the start of buf, which may be
// followed by more concatenated records (as in a checkpoint table.snap
// file), and returns the number of bytes consumed so the caller can
// advance to the next one.
func DecodeAt(buf []byte) (Record, int, error) {
	return decodeFrom(buf)
}

func decodeFrom(buf []byte) (Record, int, error) {
	var rec Record

	if len(buf) < 4+8+4+4 {
		return rec, 0, ErrCorruptRecord
	}

	off := 0
	keyLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if keyLen < 0 || off+keyLen > len(buf) {
		return rec, 0, ErrCorruptRecord
	}
	key := buf[off : off+keyLen]
	off += keyLen

	if off+8 > len(buf) {
		return rec, 0, ErrCorruptRecord
	}
	valLen64 := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	if valLen64 > uint64(len(buf)) {
		return rec, 0, ErrCorruptRecord
	}
	valLen := int(valLen64)
	if off+valLen > len(buf) {
		return rec, 0, ErrCorruptRecord
	}
	value := buf[off : off+valLen]
	off += valLen

	if off+4 > len(buf) {
		return rec, 0, ErrCorruptRecord
	}
	metaLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if metaLen < 0 || off+metaLen > len(buf) {
		return rec, 0, ErrCorruptRecord
	}
	metaBytes := buf[off : off+metaLen]
	off += metaLen

	if off+4 > len(buf) {
		return rec, 0, ErrCorruptRecord
	}
	wantSum := binary.LittleEndian.Uint32(buf[off:])
	gotSum := crc32.Checksum(buf[:off], castagnoli)
	if wantSum != gotSum {
		return rec, 0, ErrCorruptRecord
	}
	off += 4

	meta, err := decodeMeta(metaBytes)
	if err != nil {
		return rec, 0, ErrCorruptRecord
	}

	if meta.Compressed {
		decompressed, err := s2.Decode(nil, value)
		if err != nil {
			return rec, 0, ErrCorruptRecord
		}
		value = decompressed
		meta.Compressed = false
	}

	rec.Key = append([]byte(nil), key...)
	rec.Value = append([]byte(nil), value...)
	rec.Meta = meta
	return rec, off, nil
}

// EncodedSize returns the number of bytes Encode would produce for a record
// with the given key/value/meta-encoded lengths, without allocating.
// Callers that pre-size a streaming buffer (spec.md §4.1) can use this to
// avoid a double allocation.
func EncodedSize(keyLen, valueLen, metaLen int) int {
	return 4 + keyLen + 8 + valueLen + 4 + metaLen + 4
}
