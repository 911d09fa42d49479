package tsdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
	"github.com/invesdwin/go-timeseries-segmented/internal/rangetable"
)

func newTestSeries(t *testing.T, src *memSource) *Series[tsValue] {
	t.Helper()
	dir := t.TempDir()

	fileLookup, err := rangetable.OpenBboltStore(filepath.Join(dir, "chunks.db"), "chunks")
	if err != nil {
		t.Fatalf("open chunk store: %v", err)
	}
	t.Cleanup(func() { fileLookup.Close() })

	statusBacking, err := rangetable.OpenBboltStore(filepath.Join(dir, "status.db"), "status")
	if err != nil {
		t.Fatalf("open status store: %v", err)
	}
	t.Cleanup(func() { statusBacking.Close() })

	opts := DefaultOptions()
	opts.WriteLockTimeout = 2 * time.Second
	return NewSeries[tsValue](filepath.Join(dir, "segments"), fileLookup, statusBacking, tsCodec{}, hourFinder{}, src.availability, src.source, opts)
}

func TestReadRangeValuesSpansMultipleSegments(t *testing.T) {
	src := newMemSource(hourAt(0), hourAt(5))
	for i := int64(0); i < 5; i++ {
		src.put("k1", tsValue{T: (i*3600 + 1) * int64(time.Second), X: float64(i)})
	}
	s := newTestSeries(t, src)

	ctx := context.Background()
	it, err := s.ReadRangeValues(ctx, "k1", hourAt(0), hourFinder{}.Segment(hourAt(4)).To)
	if err != nil {
		t.Fatalf("readRangeValues: %v", err)
	}
	got, err := drainForward(ctx, it)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 values, got %d", len(got))
	}
	for i, v := range got {
		if v.X != float64(i) {
			t.Fatalf("value %d: expected X=%d, got %v", i, i, v.X)
		}
	}
}

func TestReadRangeValuesReverseOrdersDescending(t *testing.T) {
	src := newMemSource(hourAt(0), hourAt(5))
	for i := int64(0); i < 5; i++ {
		src.put("k1", tsValue{T: (i*3600 + 1) * int64(time.Second), X: float64(i)})
	}
	s := newTestSeries(t, src)

	ctx := context.Background()
	it, err := s.ReadRangeValuesReverse(ctx, "k1", hourAt(0), hourFinder{}.Segment(hourAt(4)).To)
	if err != nil {
		t.Fatalf("readRangeValuesReverse: %v", err)
	}
	got, err := drainForward(ctx, it)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 values, got %d", len(got))
	}
	for i, v := range got {
		want := float64(4 - i)
		if v.X != want {
			t.Fatalf("value %d: expected X=%v, got %v", i, want, v.X)
		}
	}
}

func TestSegmentMaterializesOnlyOnce(t *testing.T) {
	src := newMemSource(hourAt(0), hourAt(1))
	src.put("k1", tsValue{T: int64(time.Second), X: 1})
	s := newTestSeries(t, src)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		it, err := s.ReadRangeValues(ctx, "k1", hourAt(0), hourAt(0))
		if err != nil {
			t.Fatalf("readRangeValues call %d: %v", i, err)
		}
		if _, err := drainForward(ctx, it); err != nil {
			t.Fatalf("drain call %d: %v", i, err)
		}
	}

	seg := hourFinder{}.Segment(hourAt(0))
	if n := src.callCount("k1", seg); n != 1 {
		t.Fatalf("expected the source to be invoked exactly once for a repeatedly-read segment, got %d", n)
	}
}

func TestGetLatestValueWalksBackwardAcrossSegments(t *testing.T) {
	src := newMemSource(hourAt(0), hourAt(2))
	// hour0's only value sits well before the hour boundary; hour1's only
	// value sits just after it. GetLatestValue(hourAt(1)) must reject
	// hour1's own value (it postdates the query point) and fall back across
	// the segment boundary to hour0's.
	src.put("k1", tsValue{T: int64(30 * time.Minute), X: 42})
	src.put("k1", tsValue{T: int64(time.Hour) + int64(time.Second), X: 99})
	s := newTestSeries(t, src)

	ctx := context.Background()
	v, found, err := s.GetLatestValue(ctx, "k1", hourAt(1))
	if err != nil {
		t.Fatalf("getLatestValue: %v", err)
	}
	if !found {
		t.Fatalf("expected a value to be found")
	}
	if v.X != 42 {
		t.Fatalf("expected X=42 (the hour0 value), got %v", v.X)
	}
}

func TestGetLatestValueNoneBeforeAvailability(t *testing.T) {
	src := newMemSource(hourAt(2), hourAt(5))
	s := newTestSeries(t, src)

	ctx := context.Background()
	_, found, err := s.GetLatestValue(ctx, "k1", hourAt(1))
	if err != nil {
		t.Fatalf("getLatestValue: %v", err)
	}
	if found {
		t.Fatalf("expected no value before the availability floor")
	}
}

func TestGetFirstAndLastValue(t *testing.T) {
	// The ceiling is hour1's last instant: every segment up to and including
	// hour1 ends at or before it, and hour2 (which has no data of its own)
	// is never visited.
	src := newMemSource(hourAt(0), hourFinder{}.Segment(hourAt(1)).To)
	src.put("k1", tsValue{T: (int64(0)*3600 + 5) * int64(time.Second), X: 1})
	src.put("k1", tsValue{T: (int64(1)*3600 + 5) * int64(time.Second), X: 9})
	s := newTestSeries(t, src)

	ctx := context.Background()
	first, found, err := s.GetFirstValue(ctx, "k1")
	if err != nil || !found || first.X != 1 {
		t.Fatalf("expected first X=1, got %v found=%v err=%v", first, found, err)
	}
	last, found, err := s.GetLastValue(ctx, "k1")
	if err != nil || !found || last.X != 9 {
		t.Fatalf("expected last X=9, got %v found=%v err=%v", last, found, err)
	}
}

func TestGetPreviousAndNextValue(t *testing.T) {
	// The availability ceiling is hour0's last instant: hourFinder.Range
	// treats an hour-aligned ceiling as inclusive of the next hour's segment,
	// whose end would lie past that ceiling and fail the availability check.
	src := newMemSource(hourAt(0), hourFinder{}.Segment(hourAt(0)).To)
	base := int64(0)
	for i := int64(0); i < 5; i++ {
		src.put("k1", tsValue{T: base + (i+1)*int64(time.Second), X: float64(i)})
	}
	s := newTestSeries(t, src)
	ctx := context.Background()

	at := common.NewFDate(time.Unix(0, base+3*int64(time.Second)))
	prev, found, err := s.GetPreviousValue(ctx, "k1", at, 1)
	if err != nil || !found || prev.X != 1 {
		t.Fatalf("expected previous X=1, got %v found=%v err=%v", prev, found, err)
	}
	next, found, err := s.GetNextValue(ctx, "k1", at, 1)
	if err != nil || !found || next.X != 3 {
		t.Fatalf("expected next X=3, got %v found=%v err=%v", next, found, err)
	}
}

func TestGetPreviousValueRejectsNonPositiveN(t *testing.T) {
	src := newMemSource(hourAt(0), hourAt(1))
	s := newTestSeries(t, src)
	ctx := context.Background()
	if _, _, err := s.GetPreviousValue(ctx, "k1", hourAt(0), 0); err == nil {
		t.Fatalf("expected an error for n=0")
	}
}

func TestDeleteAllRemovesEverything(t *testing.T) {
	src := newMemSource(hourAt(0), hourAt(1))
	src.put("k1", tsValue{T: int64(time.Second), X: 7})
	s := newTestSeries(t, src)
	ctx := context.Background()

	if _, found, err := s.GetFirstValue(ctx, "k1"); err != nil || !found {
		t.Fatalf("expected a value before delete: found=%v err=%v", found, err)
	}
	if err := s.DeleteAll(ctx, "k1"); err != nil {
		t.Fatalf("deleteAll: %v", err)
	}
	// A read through the public API would re-materialize from the source
	// (still populated here), so check the status bookkeeping directly
	// instead: no COMPLETE segment should remain.
	empty, err := s.IsEmptyOrInconsistent(ctx, "k1")
	if err != nil {
		t.Fatalf("isEmptyOrInconsistent after delete: %v", err)
	}
	if !empty {
		t.Fatalf("expected no COMPLETE segments to remain after delete")
	}
}

func TestIsEmptyOrInconsistentOnFreshKey(t *testing.T) {
	src := newMemSource(hourAt(0), hourAt(1))
	s := newTestSeries(t, src)
	ctx := context.Background()
	empty, err := s.IsEmptyOrInconsistent(ctx, "never-touched")
	if err != nil {
		t.Fatalf("isEmptyOrInconsistent: %v", err)
	}
	if !empty {
		t.Fatalf("expected a key with no COMPLETE segments to report empty")
	}
}
