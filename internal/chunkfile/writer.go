package chunkfile

import (
	"bufio"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pierrec/lz4/v4"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

// Writer appends records to a chunk file, compressing the stream with LZ4
// as it goes. A Writer is safe for one writer goroutine plus any number of
// concurrent Readers observing it through FlushedSentinel.
type Writer struct {
	mu          sync.Mutex
	f           *os.File
	bw          *bufio.Writer
	lz          *lz4.Writer
	fixedLength int
	closed      bool

	flushed atomic.Int64 // records durably flushed and visible to readers
	pending int64         // records written to lz but not yet flushed
}

// NewWriter creates path, truncating any existing content, and writes the
// chunk file header. fixedLength of 0 selects dynamic (length-prefixed)
// framing; any positive value fixes every record to that many bytes.
func NewWriter(path string, fixedLength int) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	header := make([]byte, headerSize)
	putUint32(header[0:4], magic)
	if fixedLength > 0 {
		putUint32(header[4:8], framingFixed)
		putUint32(header[8:12], uint32(fixedLength))
	} else {
		putUint32(header[4:8], framingDynamic)
	}
	if _, err := f.Write(header); err != nil {
		f.Close()
		return nil, err
	}

	bw := bufio.NewWriterSize(f, 64*1024)
	lz := lz4.NewWriter(bw)

	return &Writer{
		f:           f,
		bw:          bw,
		lz:          lz,
		fixedLength: fixedLength,
	}, nil
}

// Add appends one record. Rejects a nil/empty payload, and in fixed mode
// rejects a payload whose length does not match the configured width.
func (w *Writer) Add(data []byte) error {
	if err := validateRecord(data, w.fixedLength); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return common.ErrClosed
	}

	if w.fixedLength == 0 {
		lenBuf := make([]byte, lengthPrefixLen)
		putUint32(lenBuf, uint32(len(data)))
		if _, err := w.lz.Write(lenBuf); err != nil {
			return err
		}
	}

	crcBuf := make([]byte, crcLen)
	putUint32(crcBuf, computeCRC(data))
	if _, err := w.lz.Write(crcBuf); err != nil {
		return err
	}
	if _, err := w.lz.Write(data); err != nil {
		return err
	}

	w.pending++
	return nil
}

// Flush makes every record added so far visible to readers using
// FlushedSentinel, and durable on disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.closed {
		return nil
	}
	if err := w.lz.Flush(); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	w.flushed.Add(w.pending)
	w.pending = 0
	return nil
}

// FlushedSentinel returns a SizeSentinel tracking this writer's flushed
// record count, suitable for a reader iterating the file concurrently
// with ongoing writes.
func (w *Writer) FlushedSentinel() SizeSentinel {
	return writerSentinel{w: w}
}

type writerSentinel struct{ w *Writer }

func (s writerSentinel) Size() int64 { return s.w.flushed.Load() }

// Close flushes any pending records and closes the underlying file. After
// Close, readers should use Unbounded rather than FlushedSentinel.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		w.f.Close()
		w.closed = true
		return err
	}
	w.closed = true
	return w.f.Close()
}
