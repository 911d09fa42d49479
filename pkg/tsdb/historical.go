package tsdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
	"github.com/invesdwin/go-timeseries-segmented/internal/rangetable"
)

// Series is the Historical Query Layer for one logical collection of
// keyed series sharing a SegmentFinder, AvailabilityFunc, and SourceFunc.
// It composes the Per-Key Segment Table, Segment Lifecycle Manager, and
// Segment Status Store into the read API callers actually use, clipping
// every query to the key's availability window and materializing whatever
// segments it touches along the way.
type Series[V any] struct {
	table     *segmentTable[V]
	status    *statusStore
	lifecycle *lifecycleManager[V]
	finder    SegmentFinder
	avail     AvailabilityFunc
	codec     ValueCodec[V]
	opts      Options

	latestCache  *lookupCache
	prevCache    *lookupCache
	nextCache    *lookupCache
}

// NewSeries wires a Store's dependencies together. baseDir is the root
// directory chunk files are written under; fileLookup and statusBacking
// are the rangetable.Store instances backing the chunk-meta table and the
// segment status table respectively (with rangetable.OpenBboltStore,
// two stores opened on two separate database files).
func NewSeries[V any](baseDir string, fileLookup, statusBacking rangetable.Store, codec ValueCodec[V], finder SegmentFinder, avail AvailabilityFunc, source SourceFunc[V], opts Options) *Series[V] {
	table := newSegmentTable[V](baseDir, fileLookup, codec, opts)
	status := newStatusStore(statusBacking)
	upd := newUpdater[V](table, codec, opts)
	lm := newLifecycleManager[V](table, status, upd, source, avail, opts)

	return &Series[V]{
		table:       table,
		status:      status,
		lifecycle:   lm,
		finder:      finder,
		avail:       avail,
		codec:       codec,
		opts:        opts,
		latestCache: newLookupCache(opts.LookupCacheSize, opts.LookupCacheEviction),
		prevCache:   newLookupCache(opts.LookupCacheSize, opts.LookupCacheEviction),
		nextCache:   newLookupCache(opts.LookupCacheSize, opts.LookupCacheEviction),
	}
}

// multiSegmentIterator flattens per-segment ValueIterators across the
// segments a segmentIterator yields, materializing each segment lazily
// (via ensureInit) the moment iteration reaches it.
type multiSegmentIterator[V any] struct {
	hashKey    string
	segs       *segmentIterator
	lo, hi     common.FDate
	ensureInit func(ctx context.Context, segK SegmentedKey) error
	open       func(ctx context.Context, segK SegmentedKey, lo, hi common.FDate) (ValueIterator[V], error)

	cur     ValueIterator[V]
	curOpen bool
	value   V
	err     error
	done    bool
}

func (it *multiSegmentIterator[V]) openNext(ctx context.Context) bool {
	for it.segs.Next(ctx) {
		seg := it.segs.Value()
		segK := SegmentedKey{HashKey: it.hashKey, Segment: seg}
		if err := it.ensureInit(ctx, segK); err != nil {
			it.err = err
			return false
		}
		lo, hi := it.lo, it.hi
		if lo.Before(seg.From) {
			lo = seg.From
		}
		if hi.After(seg.To) {
			hi = seg.To
		}
		cur, err := it.open(ctx, segK, lo, hi)
		if err != nil {
			it.err = err
			return false
		}
		it.cur = cur
		it.curOpen = true
		return true
	}
	return false
}

func (it *multiSegmentIterator[V]) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	for {
		if !it.curOpen {
			if !it.openNext(ctx) {
				it.done = true
				return false
			}
		}
		if it.cur.Next(ctx) {
			it.value = it.cur.Value()
			return true
		}
		if err := it.cur.Err(); err != nil {
			it.err = err
			return false
		}
		it.cur.Close()
		it.curOpen = false
	}
}

func (it *multiSegmentIterator[V]) Value() V   { return it.value }
func (it *multiSegmentIterator[V]) Err() error { return it.err }
func (it *multiSegmentIterator[V]) Close() error {
	if it.curOpen {
		it.curOpen = false
		return it.cur.Close()
	}
	return nil
}

func (s *Series[V]) ensureInit(ctx context.Context, segK SegmentedKey) error {
	return s.lifecycle.maybeInitSegment(ctx, segK)
}

// ReadRangeValues streams every value of hashKey in [from, to], ascending,
// spanning as many segments as needed and materializing each lazily.
func (s *Series[V]) ReadRangeValues(ctx context.Context, hashKey string, from, to common.FDate) (ValueIterator[V], error) {
	availFrom, availTo, err := s.avail(hashKey)
	if err != nil {
		return nil, err
	}
	if from.Before(availFrom) {
		from = availFrom
	}
	if to.After(availTo) {
		to = availTo
	}
	if from.After(to) {
		return &multiSegmentIterator[V]{hashKey: hashKey, segs: &segmentIterator{}}, nil
	}
	segs := forwardSegments(s.finder, from, to)
	return &multiSegmentIterator[V]{
		hashKey:    hashKey,
		segs:       segs,
		lo:         from,
		hi:         to,
		ensureInit: s.ensureInit,
		open: func(ctx context.Context, segK SegmentedKey, lo, hi common.FDate) (ValueIterator[V], error) {
			return s.table.rangeValues(ctx, segK, lo, hi)
		},
	}, nil
}

// ReadRangeValuesReverse is the descending counterpart of ReadRangeValues.
func (s *Series[V]) ReadRangeValuesReverse(ctx context.Context, hashKey string, from, to common.FDate) (ValueIterator[V], error) {
	availFrom, availTo, err := s.avail(hashKey)
	if err != nil {
		return nil, err
	}
	if from.Before(availFrom) {
		from = availFrom
	}
	if to.After(availTo) {
		to = availTo
	}
	if from.After(to) {
		return &multiSegmentIterator[V]{hashKey: hashKey, segs: &segmentIterator{}}, nil
	}
	segs := reverseSegments(s.finder, from, to)
	return &multiSegmentIterator[V]{
		hashKey:    hashKey,
		segs:       segs,
		lo:         from,
		hi:         to,
		ensureInit: s.ensureInit,
		open: func(ctx context.Context, segK SegmentedKey, lo, hi common.FDate) (ValueIterator[V], error) {
			return s.table.rangeReverseValues(ctx, segK, lo, hi)
		},
	}, nil
}

// GetLatestValue returns the value with the greatest time <= at, walking
// backward across segments as far as the key's availability floor. The
// result is memoized (including negative lookups) until the next
// PrepareForUpdate/DeleteAll call for hashKey.
//
// A value's segment can be fully materialized and still contribute
// nothing (every element in it postdates at): rather than terminate the
// whole scan on the first segment with no qualifying element, the walk
// keeps requesting latest(time <= boundary) from each older segment in
// turn and stops only once a segment actually yields a candidate, or the
// availability floor is reached.
func (s *Series[V]) GetLatestValue(ctx context.Context, hashKey string, at common.FDate) (V, bool, error) {
	var zero V
	cacheKey := latestCacheKey{hashKey: hashKey, at: at}
	if cached, miss, found := s.latestCache.get(cacheKey); found {
		if miss {
			return zero, false, nil
		}
		v, err := s.codec.Deserialize(cached)
		return v, err == nil, err
	}

	availFrom, availTo, err := s.avail(hashKey)
	if err != nil {
		return zero, false, err
	}
	bound := at
	if bound.After(availTo) {
		bound = availTo
	}
	if bound.Before(availFrom) {
		s.latestCache.put(cacheKey, nil, true)
		return zero, false, nil
	}

	segs := reverseSegments(s.finder, availFrom, bound)
	for segs.Next(ctx) {
		seg := segs.Value()
		segK := SegmentedKey{HashKey: hashKey, Segment: seg}
		if err := s.ensureInit(ctx, segK); err != nil {
			return zero, false, err
		}
		segBound := bound
		if seg.To.Before(segBound) {
			segBound = seg.To
		}
		v, found, err := s.table.getLatestValue(ctx, segK, segBound)
		if err != nil {
			return zero, false, err
		}
		if found {
			encoded, err := s.codec.Serialize(v)
			if err != nil {
				return zero, false, err
			}
			s.latestCache.put(cacheKey, encoded, false)
			return v, true, nil
		}
	}
	if err := segs.Err(); err != nil {
		return zero, false, err
	}

	s.latestCache.put(cacheKey, nil, true)
	return zero, false, nil
}

type latestCacheKey struct {
	hashKey string
	at      common.FDate
}

type shiftCacheKey struct {
	hashKey string
	at      common.FDate
	n       int
}

// GetPreviousValue returns the value n steps strictly before at: n=1 is
// the value immediately preceding at, n=2 the one before that, and so on.
func (s *Series[V]) GetPreviousValue(ctx context.Context, hashKey string, at common.FDate, n int) (V, bool, error) {
	var zero V
	if n <= 0 {
		return zero, false, common.ErrShiftUnits
	}
	cacheKey := shiftCacheKey{hashKey: hashKey, at: at, n: n}
	if cached, miss, found := s.prevCache.get(cacheKey); found {
		if miss {
			return zero, false, nil
		}
		v, err := s.codec.Deserialize(cached)
		return v, err == nil, err
	}

	availFrom, _, err := s.avail(hashKey)
	if err != nil {
		return zero, false, err
	}
	it, err := s.ReadRangeValuesReverse(ctx, hashKey, availFrom, at)
	if err != nil {
		return zero, false, err
	}
	defer it.Close()

	count := 0
	var result V
	found := false
	for it.Next(ctx) {
		v := it.Value()
		if !s.codec.ExtractTime(v).Before(at) {
			continue
		}
		count++
		if count == n {
			result = v
			found = true
			break
		}
	}
	if err := it.Err(); err != nil {
		return zero, false, err
	}

	if !found {
		s.prevCache.put(cacheKey, nil, true)
		return zero, false, nil
	}
	encoded, err := s.codec.Serialize(result)
	if err != nil {
		return zero, false, err
	}
	s.prevCache.put(cacheKey, encoded, false)
	return result, true, nil
}

// GetNextValue returns the value n steps strictly after at.
func (s *Series[V]) GetNextValue(ctx context.Context, hashKey string, at common.FDate, n int) (V, bool, error) {
	var zero V
	if n <= 0 {
		return zero, false, common.ErrShiftUnits
	}
	cacheKey := shiftCacheKey{hashKey: hashKey, at: at, n: n}
	if cached, miss, found := s.nextCache.get(cacheKey); found {
		if miss {
			return zero, false, nil
		}
		v, err := s.codec.Deserialize(cached)
		return v, err == nil, err
	}

	_, availTo, err := s.avail(hashKey)
	if err != nil {
		return zero, false, err
	}
	it, err := s.ReadRangeValues(ctx, hashKey, at, availTo)
	if err != nil {
		return zero, false, err
	}
	defer it.Close()

	count := 0
	var result V
	found := false
	for it.Next(ctx) {
		v := it.Value()
		if !s.codec.ExtractTime(v).After(at) {
			continue
		}
		count++
		if count == n {
			result = v
			found = true
			break
		}
	}
	if err := it.Err(); err != nil {
		return zero, false, err
	}

	if !found {
		s.nextCache.put(cacheKey, nil, true)
		return zero, false, nil
	}
	encoded, err := s.codec.Serialize(result)
	if err != nil {
		return zero, false, err
	}
	s.nextCache.put(cacheKey, encoded, false)
	return result, true, nil
}

// GetFirstValue returns the earliest value available for hashKey.
func (s *Series[V]) GetFirstValue(ctx context.Context, hashKey string) (V, bool, error) {
	var zero V
	availFrom, availTo, err := s.avail(hashKey)
	if err != nil {
		return zero, false, err
	}
	it, err := s.ReadRangeValues(ctx, hashKey, availFrom, availTo)
	if err != nil {
		return zero, false, err
	}
	defer it.Close()
	if it.Next(ctx) {
		return it.Value(), true, nil
	}
	return zero, false, it.Err()
}

// GetLastValue returns the most recent value available for hashKey.
func (s *Series[V]) GetLastValue(ctx context.Context, hashKey string) (V, bool, error) {
	var zero V
	availFrom, availTo, err := s.avail(hashKey)
	if err != nil {
		return zero, false, err
	}
	it, err := s.ReadRangeValuesReverse(ctx, hashKey, availFrom, availTo)
	if err != nil {
		return zero, false, err
	}
	defer it.Close()
	if it.Next(ctx) {
		return it.Value(), true, nil
	}
	return zero, false, it.Err()
}

// PrepareForUpdate invalidates every cached lookup for hashKey ahead of a
// write that may change what "latest"/"previous"/"next" resolve to. The
// caches have no per-key index, so this clears them entirely; a single
// key's update should not be common enough to make that costly in
// practice.
func (s *Series[V]) PrepareForUpdate(hashKey string) {
	s.latestCache.clear()
	s.prevCache.clear()
	s.nextCache.clear()
}

// DeleteAll removes every segment, chunk, and status row for hashKey and
// invalidates the lookup caches.
func (s *Series[V]) DeleteAll(ctx context.Context, hashKey string) error {
	availFrom, availTo, err := s.avail(hashKey)
	if err != nil {
		return err
	}
	segs := forwardSegments(s.finder, availFrom, availTo)
	for segs.Next(ctx) {
		seg := segs.Value()
		segK := SegmentedKey{HashKey: hashKey, Segment: seg}
		if err := s.table.deleteRange(ctx, segK); err != nil {
			return err
		}
	}
	if err := segs.Err(); err != nil {
		return err
	}
	if err := s.status.deleteRange(hashKey, common.MinDate, common.MaxDate); err != nil {
		return err
	}
	s.PrepareForUpdate(hashKey)
	return nil
}

// IsEmptyOrInconsistent reports whether hashKey has no COMPLETE segments,
// or any COMPLETE segment's chunk data fails its own readability check.
func (s *Series[V]) IsEmptyOrInconsistent(ctx context.Context, hashKey string) (bool, error) {
	availFrom, availTo, err := s.avail(hashKey)
	if err != nil {
		return false, err
	}
	any := false
	var outcome error
	err = s.status.ascend(ctx, hashKey, availFrom, availTo, func(from common.FDate, st common.SegmentStatus) (bool, error) {
		if st != common.StatusComplete {
			return true, nil
		}
		seg := s.finder.Segment(from)
		segK := SegmentedKey{HashKey: hashKey, Segment: seg}
		empty, ierr := s.table.isEmptyOrInconsistent(ctx, segK)
		if ierr != nil {
			outcome = ierr
			return false, nil
		}
		if empty {
			outcome = fmt.Errorf("%w: segment %s", common.ErrCorrupt, segK)
			return false, nil
		}
		any = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if outcome != nil {
		if errors.Is(outcome, common.ErrCorrupt) {
			return true, nil
		}
		return false, outcome
	}
	return !any, nil
}
