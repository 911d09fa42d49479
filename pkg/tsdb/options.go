package tsdb

import (
	"runtime"
	"time"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

// EvictionMode selects how a bounded lookup cache makes room for a new
// entry once it is full.
type EvictionMode int

const (
	// EvictionLRU evicts the least recently used single entry.
	EvictionLRU EvictionMode = iota
	// EvictionClearHalf discards the least recently used half of entries at
	// once, trading cache-hit rate for fewer, cheaper eviction passes.
	EvictionClearHalf
)

// Hooks lets callers observe update progress without changing control
// flow; every field is optional.
type Hooks struct {
	// OnUpdateStart fires once per Update call, before any batch is pulled.
	OnUpdateStart func(segK SegmentedKey)
	// OnFlush fires after each batch is durably written.
	OnFlush func(segK SegmentedKey, meta ChunkMeta, count int)
	// OnUpdateFinished fires once Update completes successfully.
	OnUpdateFinished func(segK SegmentedKey, totalCount int, minTime, maxTime common.FDate)
}

// Options configures a Store's batching, concurrency, caching, and framing
// behavior. Zero value is invalid; use DefaultOptions and override fields.
type Options struct {
	// BatchSize is the number of elements accumulated before a chunk flush.
	BatchSize int
	// WriteInParallel enables the producer/consumer parallel chunk writer.
	WriteInParallel bool
	// WriterThreads bounds the number of concurrent chunk-writing workers.
	WriterThreads int
	// ProducerQueueDepth bounds how many batches may be queued ahead of the
	// writer workers before the producer blocks.
	ProducerQueueDepth int
	// WriteLockTimeout bounds how long a caller waits to acquire a
	// segment's write lock before the attempt fails with RetryLaterError.
	WriteLockTimeout time.Duration
	// LookupCacheSize bounds each of the latest/previous/next lookup caches.
	LookupCacheSize int
	// LookupCacheEviction selects the bounded cache's eviction policy.
	LookupCacheEviction EvictionMode
	// FixedRecordLength, when > 0, selects fixed-width chunk framing; 0
	// selects dynamic (length-prefixed) framing.
	FixedRecordLength int
	// RedoLastFile is carried in Options, but no code path reads it: every
	// update writes new chunks from the sourced elements and never re-reads
	// or rewrites the most recent chunk.
	RedoLastFile bool
	// Hooks exposes optional update-lifecycle callbacks.
	Hooks Hooks
	// Logger receives structured log output; defaults to NullLogger.
	Logger common.Logger
}

// DefaultOptions returns the baseline configuration used when a caller
// does not override a field.
func DefaultOptions() Options {
	return Options{
		BatchSize:           common.DefaultBatchFlushInterval,
		WriteInParallel:     false,
		WriterThreads:       runtime.NumCPU(),
		ProducerQueueDepth:  common.DefaultBatchQueueSize,
		WriteLockTimeout:    common.DefaultWriteLockTimeout,
		LookupCacheSize:     common.DefaultLookupCacheSize,
		LookupCacheEviction: EvictionLRU,
		FixedRecordLength:   0,
		RedoLastFile:        true,
		Logger:              common.NewNullLogger(),
	}
}
