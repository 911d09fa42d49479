// Package tsdb implements a segmented, append-oriented storage engine for
// keyed time-series streams: each series is partitioned into contiguous,
// non-overlapping segments, materialized lazily from a user-supplied
// source, and queried through range scans and shift-based lookups that
// transparently span segments.
package tsdb

import (
	"context"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

// ValueCodec serializes and deserializes V, and extracts the time bounds
// every value carries.
type ValueCodec[V any] interface {
	Serialize(v V) ([]byte, error)
	Deserialize(data []byte) (V, error)
	// ExtractTime returns the value's time-point.
	ExtractTime(v V) common.FDate
	// ExtractEndTime returns the value's end-time-point; for point-in-time
	// values this equals ExtractTime.
	ExtractEndTime(v V) common.FDate
}

// SegmentFinder deterministically tiles time into segments. Segment(t)
// must be stable: calling it twice with the same t always returns the same
// TimeRange, and across all t the returned ranges tile time monotonically
// (coincide or are disjoint, never partially overlap).
type SegmentFinder interface {
	// Segment returns the TimeRange containing t.
	Segment(t common.FDate) common.TimeRange
	// Range returns every segment intersecting [from, to], in ascending order.
	Range(from, to common.FDate) []common.TimeRange
}

// ValueIterator is the closeable cursor shape used throughout this module:
// Next(ctx) advances and reports whether a value is available, Value reads
// the current element, Err reports any iteration fault, and Close releases
// resources. Exactly mirrors the forward/reverse cursors in
// internal/chunkfile so every layer composes the same way.
type ValueIterator[V any] interface {
	Next(ctx context.Context) bool
	Value() V
	Err() error
	Close() error
}

// SourceFunc materializes a segment's contents on demand: given the
// hashKey and a TimeRange it returns a lazy iterator of values, ordered by
// time, covering exactly that range.
type SourceFunc[V any] func(ctx context.Context, hashKey string, segment common.TimeRange) (ValueIterator[V], error)

// AvailabilityFunc reports the legal segment envelope for a key:
// firstAvailableSegmentFrom and lastAvailableSegmentTo.
type AvailabilityFunc func(hashKey string) (from, to common.FDate, err error)

// ChunkMeta describes one flushed chunk file within a segment.
type ChunkMeta struct {
	FilePath  string        `json:"filePath"`
	FirstTime common.FDate  `json:"firstTime"`
	LastTime  common.FDate  `json:"lastTime"`
	FirstElem []byte        `json:"firstElem"`
	LastElem  []byte        `json:"lastElem"`
}

// SegmentedKey identifies one segment of one series.
type SegmentedKey struct {
	HashKey string
	Segment common.TimeRange
}

func (sk SegmentedKey) String() string {
	return sk.HashKey + ":" + sk.Segment.String()
}
