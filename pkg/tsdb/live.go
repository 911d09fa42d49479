package tsdb

import (
	"context"
	"sync"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

// liveSegment is the in-memory tail segment appended to the head of one
// key's series: an unflushed TimeRange whose contents live entirely in
// process memory until promoted into a historical (on-disk) segment.
type liveSegment[V any] struct {
	segment common.TimeRange
	values  []V // ascending by codec.ExtractTime
}

// LiveSeries layers the Live Segment Overlay over a Series: reads are
// merged across the in-memory tail and the historical store, and appends
// land in memory until the incoming key's time crosses the live segment's
// boundary, at which point the live segment is promoted to a historical
// one through the same Range Updater the lifecycle manager uses.
type LiveSeries[V any] struct {
	hist   *Series[V]
	finder SegmentFinder
	codec  ValueCodec[V]

	mu   sync.Mutex
	live map[string]*liveSegment[V]
}

// NewLiveSeries wraps hist with a live overlay sharing its finder and codec.
func NewLiveSeries[V any](hist *Series[V], finder SegmentFinder, codec ValueCodec[V]) *LiveSeries[V] {
	return &LiveSeries[V]{
		hist:   hist,
		finder: finder,
		codec:  codec,
		live:   make(map[string]*liveSegment[V]),
	}
}

// sliceIterator adapts a plain slice to ValueIterator, used to feed a
// promoted live segment's buffered values through the Range Updater.
type sliceIterator[V any] struct {
	values []V
	idx    int
}

func (it *sliceIterator[V]) Next(ctx context.Context) bool {
	if it.idx >= len(it.values) {
		return false
	}
	it.idx++
	return true
}
func (it *sliceIterator[V]) Value() V     { return it.values[it.idx-1] }
func (it *sliceIterator[V]) Err() error   { return nil }
func (it *sliceIterator[V]) Close() error { return nil }

// concatIterator runs first to exhaustion, then second.
type concatIterator[V any] struct {
	first, second ValueIterator[V]
	onFirst       bool
}

func newConcatIterator[V any](first, second ValueIterator[V]) *concatIterator[V] {
	return &concatIterator[V]{first: first, second: second, onFirst: true}
}

func (it *concatIterator[V]) Next(ctx context.Context) bool {
	if it.onFirst {
		if it.first.Next(ctx) {
			return true
		}
		if err := it.first.Err(); err != nil {
			return false
		}
		it.onFirst = false
	}
	return it.second.Next(ctx)
}

func (it *concatIterator[V]) Value() V {
	if it.onFirst {
		return it.first.Value()
	}
	return it.second.Value()
}

func (it *concatIterator[V]) Err() error {
	if err := it.first.Err(); err != nil {
		return err
	}
	return it.second.Err()
}

func (it *concatIterator[V]) Close() error {
	err1 := it.first.Close()
	err2 := it.second.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// filteredSliceIterator streams a snapshot slice clipped to [lo, hi].
type filteredSliceIterator[V any] struct {
	values  []V
	codec   ValueCodec[V]
	lo, hi  common.FDate
	idx     int
	reverse bool
	curVal  V
}

func newLiveForwardIterator[V any](values []V, codec ValueCodec[V], lo, hi common.FDate) *filteredSliceIterator[V] {
	return &filteredSliceIterator[V]{values: values, codec: codec, lo: lo, hi: hi}
}

func newLiveReverseIterator[V any](values []V, codec ValueCodec[V], lo, hi common.FDate) *filteredSliceIterator[V] {
	return &filteredSliceIterator[V]{values: values, codec: codec, lo: lo, hi: hi, reverse: true, idx: len(values) - 1}
}

func (it *filteredSliceIterator[V]) Next(ctx context.Context) bool {
	for {
		if it.reverse {
			if it.idx < 0 {
				return false
			}
		} else if it.idx >= len(it.values) {
			return false
		}
		v := it.values[it.idx]
		if it.reverse {
			it.idx--
		} else {
			it.idx++
		}
		t := it.codec.ExtractTime(v)
		if t.Before(it.lo) || t.After(it.hi) {
			continue
		}
		it.curVal = v
		return true
	}
}


func (it *filteredSliceIterator[V]) Value() V   { return it.curVal }
func (it *filteredSliceIterator[V]) Err() error { return nil }
func (it *filteredSliceIterator[V]) Close() error {
	return nil
}

func (s *LiveSeries[V]) snapshot(hashKey string) (*liveSegment[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.live[hashKey]
	if !ok {
		return nil, false
	}
	cp := &liveSegment[V]{segment: seg.segment, values: append([]V(nil), seg.values...)}
	return cp, true
}

// ReadRangeValues merges the live tail with historical data per §4.8's
// forward placement rules.
func (s *LiveSeries[V]) ReadRangeValues(ctx context.Context, hashKey string, from, to common.FDate) (ValueIterator[V], error) {
	live, ok := s.snapshot(hashKey)
	if !ok {
		return s.hist.ReadRangeValues(ctx, hashKey, from, to)
	}
	liveFrom := live.segment.From
	if liveFrom.After(to) {
		return s.hist.ReadRangeValues(ctx, hashKey, from, to)
	}
	if !liveFrom.After(from) {
		return newLiveForwardIterator(live.values, s.codec, from, to), nil
	}
	histTo := liveFrom.Add(-minTimeUnit)
	histIt, err := s.hist.ReadRangeValues(ctx, hashKey, from, histTo)
	if err != nil {
		return nil, err
	}
	liveIt := newLiveForwardIterator(live.values, s.codec, liveFrom, to)
	return newConcatIterator[V](histIt, liveIt), nil
}

// ReadRangeValuesReverse is the descending counterpart of ReadRangeValues.
func (s *LiveSeries[V]) ReadRangeValuesReverse(ctx context.Context, hashKey string, from, to common.FDate) (ValueIterator[V], error) {
	live, ok := s.snapshot(hashKey)
	if !ok {
		return s.hist.ReadRangeValuesReverse(ctx, hashKey, from, to)
	}
	liveFrom := live.segment.From
	if liveFrom.After(to) {
		return s.hist.ReadRangeValuesReverse(ctx, hashKey, from, to)
	}
	if !liveFrom.After(from) {
		return newLiveReverseIterator(live.values, s.codec, from, to), nil
	}
	histTo := liveFrom.Add(-minTimeUnit)
	liveIt := newLiveReverseIterator(live.values, s.codec, liveFrom, to)
	histIt, err := s.hist.ReadRangeValuesReverse(ctx, hashKey, from, histTo)
	if err != nil {
		return nil, err
	}
	return newConcatIterator[V](liveIt, histIt), nil
}

// GetLatestValue consults the live tail first, then historical; the first
// provider with a value whose time <= at wins, falling back to the
// earliest value available at all if neither has one.
func (s *LiveSeries[V]) GetLatestValue(ctx context.Context, hashKey string, at common.FDate) (V, bool, error) {
	var zero V
	if live, ok := s.snapshot(hashKey); ok {
		for i := len(live.values) - 1; i >= 0; i-- {
			v := live.values[i]
			if !s.codec.ExtractTime(v).After(at) {
				return v, true, nil
			}
		}
	}
	v, found, err := s.hist.GetLatestValue(ctx, hashKey, at)
	if err != nil {
		return zero, false, err
	}
	if found {
		return v, true, nil
	}
	return s.GetFirstValue(ctx, hashKey)
}

// GetFirstValue prefers the historical series, falling back to the live
// tail's earliest element if historical has nothing yet.
func (s *LiveSeries[V]) GetFirstValue(ctx context.Context, hashKey string) (V, bool, error) {
	var zero V
	v, found, err := s.hist.GetFirstValue(ctx, hashKey)
	if err != nil {
		return zero, false, err
	}
	if found {
		return v, true, nil
	}
	if live, ok := s.snapshot(hashKey); ok && len(live.values) > 0 {
		return live.values[0], true, nil
	}
	return zero, false, nil
}

// GetLastValue prefers the live tail's latest element, falling back to
// historical's own last value.
func (s *LiveSeries[V]) GetLastValue(ctx context.Context, hashKey string) (V, bool, error) {
	if live, ok := s.snapshot(hashKey); ok && len(live.values) > 0 {
		return live.values[len(live.values)-1], true, nil
	}
	return s.hist.GetLastValue(ctx, hashKey)
}

func (s *LiveSeries[V]) liveCovers(live *liveSegment[V], at common.FDate) bool {
	return live != nil && !at.Before(live.segment.From) && !at.After(live.segment.To)
}

// GetPreviousValue delegates to historical when the live tail does not
// cover at; otherwise it counts n steps back through the merged stream.
func (s *LiveSeries[V]) GetPreviousValue(ctx context.Context, hashKey string, at common.FDate, n int) (V, bool, error) {
	var zero V
	if n <= 0 {
		return zero, false, common.ErrShiftUnits
	}
	live, ok := s.snapshot(hashKey)
	if !ok || !s.liveCovers(live, at) {
		return s.hist.GetPreviousValue(ctx, hashKey, at, n)
	}

	it, err := s.ReadRangeValuesReverse(ctx, hashKey, common.MinDate, at)
	if err != nil {
		return zero, false, err
	}
	defer it.Close()
	count := 0
	for it.Next(ctx) {
		v := it.Value()
		if !s.codec.ExtractTime(v).Before(at) {
			continue
		}
		count++
		if count == n {
			return v, true, nil
		}
	}
	if err := it.Err(); err != nil {
		return zero, false, err
	}
	return zero, false, nil
}

// GetNextValue is the forward counterpart of GetPreviousValue.
func (s *LiveSeries[V]) GetNextValue(ctx context.Context, hashKey string, at common.FDate, n int) (V, bool, error) {
	var zero V
	if n <= 0 {
		return zero, false, common.ErrShiftUnits
	}
	live, ok := s.snapshot(hashKey)
	if !ok || !s.liveCovers(live, at) {
		return s.hist.GetNextValue(ctx, hashKey, at, n)
	}

	it, err := s.ReadRangeValues(ctx, hashKey, at, common.MaxDate)
	if err != nil {
		return zero, false, err
	}
	defer it.Close()
	count := 0
	for it.Next(ctx) {
		v := it.Value()
		if !s.codec.ExtractTime(v).After(at) {
			continue
		}
		count++
		if count == n {
			return v, true, nil
		}
	}
	if err := it.Err(); err != nil {
		return zero, false, err
	}
	return zero, false, nil
}

// Append admits one incoming value. If no live segment exists yet for
// hashKey, one is opened at the finder's segment for the value's time. If
// the value's time falls past the current live segment's end, the live
// segment is promoted to historical storage and a fresh one is opened for
// the new time. A value whose time falls behind the last promoted
// historical boundary (other than the single-tick overlap at a segment's
// own end) is rejected as out of order.
func (s *LiveSeries[V]) Append(ctx context.Context, hashKey string, v V) error {
	t := s.codec.ExtractTime(v)

	s.mu.Lock()
	defer s.mu.Unlock()

	seg := s.live[hashKey]
	if seg == nil {
		newSeg := s.finder.Segment(t)
		if err := s.checkNotBehindHistory(hashKey, newSeg); err != nil {
			return err
		}
		s.live[hashKey] = &liveSegment[V]{segment: newSeg, values: []V{v}}
		return nil
	}

	if !t.After(seg.segment.To) {
		seg.values = append(seg.values, v)
		return nil
	}

	if err := s.promoteLocked(ctx, hashKey, seg); err != nil {
		return err
	}

	newSeg := s.finder.Segment(t)
	if err := s.checkNotBehindHistory(hashKey, newSeg); err != nil {
		return err
	}
	s.live[hashKey] = &liveSegment[V]{segment: newSeg, values: []V{v}}
	return nil
}

func (s *LiveSeries[V]) checkNotBehindHistory(hashKey string, seg common.TimeRange) error {
	_, availTo, err := s.hist.avail(hashKey)
	if err != nil {
		return err
	}
	if availTo.After(seg.From) && !availTo.Equal(seg.To) {
		return common.ErrInvariantViolation
	}
	return nil
}

// promoteLocked converts seg into a COMPLETE historical segment through
// the Range Updater, the same write path the lifecycle manager uses for
// an on-demand materialization. Callers must hold s.mu.
func (s *LiveSeries[V]) promoteLocked(ctx context.Context, hashKey string, seg *liveSegment[V]) error {
	_, availTo, err := s.hist.avail(hashKey)
	if err != nil {
		return err
	}
	if availTo.After(seg.segment.To) {
		return common.ErrInvariantViolation
	}
	if len(seg.values) == 0 {
		return nil
	}

	segK := SegmentedKey{HashKey: hashKey, Segment: seg.segment}
	if err := createSegmentDir(s.hist.table, segK); err != nil {
		return err
	}
	src := &sliceIterator[V]{values: seg.values}
	if _, err := s.hist.lifecycle.updater.Update(ctx, segK, seg.segment.From, nil, src); err != nil {
		return err
	}
	if err := s.hist.status.put(segK, common.StatusComplete); err != nil {
		return err
	}
	s.hist.PrepareForUpdate(hashKey)
	return nil
}
