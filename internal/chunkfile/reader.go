package chunkfile

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

// Reader opens a chunk file for iteration. A Reader itself holds no open
// file handle; each call to Iterator/ReverseIterator opens its own handle
// so that concurrent iterators (including a reverse iterator racing a
// forward one) never interfere.
type Reader struct {
	path        string
	fixedLength int
}

// Open reads the chunk file header at path and returns a Reader positioned
// to iterate it.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, common.ErrCorrupt
	}
	if getUint32(header[0:4]) != magic {
		return nil, common.ErrCorrupt
	}

	r := &Reader{path: path}
	switch getUint32(header[4:8]) {
	case framingDynamic:
		r.fixedLength = 0
	case framingFixed:
		r.fixedLength = int(getUint32(header[8:12]))
	default:
		return nil, common.ErrCorrupt
	}
	return r, nil
}

// FixedLength returns the configured record width, or 0 for dynamic framing.
func (r *Reader) FixedLength() int { return r.fixedLength }

// Iterator is the forward, closeable record cursor. It follows the
// Next(ctx)/Err()/Close() shape used throughout this module rather than a
// Go-standard range-over-func iterator, so all cursor types compose the
// same way.
type Iterator struct {
	f           *os.File
	lzReader    *lz4.Reader
	sentinel    SizeSentinel
	fixedLength int
	served      int64
	cur         []byte
	err         error
	closed      bool
}

// Iterator opens a fresh handle on the chunk file and returns a forward
// iterator bounded by sentinel. Use w.FlushedSentinel() against an open
// Writer, or Unbounded against a file that is closed and will not grow.
func (r *Reader) Iterator(sentinel SizeSentinel) (*Iterator, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &Iterator{
		f:           f,
		lzReader:    lz4.NewReader(bufio.NewReaderSize(f, 64*1024)),
		sentinel:    sentinel,
		fixedLength: r.fixedLength,
	}, nil
}

// Next advances to the next record, returning false at the sentinel bound,
// at EOF, or once ctx is done.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.closed || it.err != nil {
		return false
	}
	select {
	case <-ctx.Done():
		it.err = ctx.Err()
		return false
	default:
	}
	if it.served >= it.sentinel.Size() {
		return false
	}

	data, err := readOneRecord(it.lzReader, it.fixedLength)
	if err != nil {
		if err == io.EOF {
			return false
		}
		it.err = err
		return false
	}
	it.cur = data
	it.served++
	return true
}

func readOneRecord(r *lz4.Reader, fixedLength int) ([]byte, error) {
	var length uint32
	if fixedLength == 0 {
		lenBuf := make([]byte, lengthPrefixLen)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			if err == io.ErrUnexpectedEOF {
				// A partially written tail record ends iteration cleanly.
				return nil, io.EOF
			}
			return nil, err
		}
		length = getUint32(lenBuf)
	} else {
		length = uint32(fixedLength)
	}

	crcBuf := make([]byte, crcLen)
	if _, err := io.ReadFull(r, crcBuf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, common.ErrCorrupt
	}
	expectedCRC := getUint32(crcBuf)

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, common.ErrCorrupt
	}
	if computeCRC(data) != expectedCRC {
		return nil, common.ErrCorrupt
	}
	return data, nil
}

// Value returns the payload of the current record.
func (it *Iterator) Value() []byte { return it.cur }

// Err returns any error encountered during iteration. A clean end (EOF or
// reaching the sentinel) is not an error.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator's file handle.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.f.Close()
}

// ReverseIterator walks records from last to first. The underlying format
// has no back-links, so it is built by draining a forward iterator into a
// buffer; memory use is O(records flushed at the time of construction).
type ReverseIterator struct {
	records [][]byte
	pos     int
	cur     []byte
}

// ReverseIterator fully buffers a forward pass bounded by sentinel, then
// serves records back to front.
func (r *Reader) ReverseIterator(sentinel SizeSentinel) (*ReverseIterator, error) {
	fwd, err := r.Iterator(sentinel)
	if err != nil {
		return nil, err
	}
	defer fwd.Close()

	ctx := context.Background()
	var records [][]byte
	for fwd.Next(ctx) {
		records = append(records, fwd.Value())
	}
	if err := fwd.Err(); err != nil {
		return nil, err
	}

	return &ReverseIterator{records: records, pos: len(records)}, nil
}

// Next moves to the previous record.
func (it *ReverseIterator) Next(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	if it.pos <= 0 {
		return false
	}
	it.pos--
	it.cur = it.records[it.pos]
	return true
}

// Value returns the payload of the current record.
func (it *ReverseIterator) Value() []byte { return it.cur }

// Err always returns nil: buffering happens eagerly in ReverseIterator, so
// any read failure surfaces from the constructor instead.
func (it *ReverseIterator) Err() error { return nil }

// Close is a no-op; the reverse iterator holds no file handle once built.
func (it *ReverseIterator) Close() error { return nil }
