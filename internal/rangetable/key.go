package rangetable

import (
	"encoding/binary"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

// encodeKey produces a byte-order-comparable composite key: hashKey,
// a NUL separator (the hashKeys this module uses never contain 0x00), then the
// 8-byte big-endian nanosecond timestamp. Ordering by raw bytes then
// matches ordering by (hashKey, from).
func encodeKey(hashKey string, from common.FDate) []byte {
	key := make([]byte, 0, len(hashKey)+1+8)
	key = append(key, hashKey...)
	key = append(key, 0)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(from.Time().UnixNano()))
	key = append(key, tsBuf[:]...)
	return key
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xff, no finite upper bound
}

func hashKeyPrefix(hashKey string) []byte {
	prefix := make([]byte, 0, len(hashKey)+1)
	prefix = append(prefix, hashKey...)
	prefix = append(prefix, 0)
	return prefix
}
