package cachetier

// diskvalue.go frames the payload stored in badger for L2/L3 entries:
// [u8 compressed_flag][u64 hit_count][i64 last_access_us][payload]

import (
	"encoding/binary"
	"errors"
)

var errTruncatedDiskValue = errors.New("cachetier: truncated disk value")

func encodeDiskValue(payload []byte, hitCount uint64, lastAccessUS int64, compressed bool) []byte {
	buf := make([]byte, 1+8+8+len(payload))
	if compressed {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[1:9], hitCount)
	binary.LittleEndian.PutUint64(buf[9:17], uint64(lastAccessUS))
	copy(buf[17:], payload)
	return buf
}

func decodeDiskValue(buf []byte) (payload []byte, hitCount uint64, lastAccessUS int64, compressed bool, err error) {
	if len(buf) < 17 {
		return nil, 0, 0, false, errTruncatedDiskValue
	}
	compressed = buf[0] != 0
	hitCount = binary.LittleEndian.Uint64(buf[1:9])
	lastAccessUS = int64(binary.LittleEndian.Uint64(buf[9:17]))
	payload = append([]byte(nil), buf[17:]...)
	return payload, hitCount, lastAccessUS, compressed, nil
}
