// Package chunkfile implements the append-only, block-compressed record
// file that backs every materialized segment. Records are framed either
// with a dynamic length prefix (for variable-sized serialized values) or at
// a fixed width (when every value in the table serializes to the same
// number of bytes), then the whole stream is LZ4 block-compressed.
//
// A file being actively written can still be iterated concurrently: the
// forward iterator is bounded by a SizeSentinel rather than by end-of-file,
// so a reader never observes a record past what the writer has already
// flushed, and a closed file simply iterates until EOF.
package chunkfile

import (
	"encoding/binary"
	"hash/crc32"
	"math"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

const (
	magic           uint32 = 0x54534331 // "TSC1"
	headerSize             = 12         // magic (4) + framing mode (4) + fixed length (4)
	framingDynamic  uint32 = 0
	framingFixed    uint32 = 1
	lengthPrefixLen        = 4
	crcLen                 = 4
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func computeCRC(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// SizeSentinel bounds how many records a forward iterator is allowed to
// surface. Open, still-being-written files use a sentinel tracking the
// writer's flushed record count; closed files use Unbounded.
type SizeSentinel interface {
	// Size returns the number of records currently safe to read.
	Size() int64
}

type unboundedSentinel struct{}

func (unboundedSentinel) Size() int64 { return math.MaxInt64 }

// Unbounded never limits iteration; used for closed, read-only chunk files.
var Unbounded SizeSentinel = unboundedSentinel{}

type fixedSentinel int64

func (f fixedSentinel) Size() int64 { return int64(f) }

// FixedSentinel returns a SizeSentinel that always reports n, useful in
// tests or for a file whose record count is already known.
func FixedSentinel(n int64) SizeSentinel { return fixedSentinel(n) }

func putUint32(buf []byte, v uint32) { binary.BigEndian.PutUint32(buf, v) }
func getUint32(buf []byte) uint32    { return binary.BigEndian.Uint32(buf) }

func validateRecord(data []byte, fixedLength int) error {
	if len(data) == 0 {
		return common.ErrEmptyPayload
	}
	if fixedLength > 0 && len(data) != fixedLength {
		return common.ErrFixedLengthMismatch
	}
	return nil
}
