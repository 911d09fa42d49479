package tsdb

import (
	"context"
	"os"
	"testing"
	"time"
)

func writeSegment(t *testing.T, table *segmentTable[tsValue], segK SegmentedKey, values []tsValue) {
	t.Helper()
	u := newUpdater[tsValue](table, tsCodec{}, table.opts)
	if _, err := u.Update(context.Background(), segK, segK.Segment.From, nil, &sliceIterator[tsValue]{values: values}); err != nil {
		t.Fatalf("writeSegment: %v", err)
	}
}

func TestRangeValuesClipsToBounds(t *testing.T) {
	table := newTestTable(t)
	segK := SegmentedKey{HashKey: "k1", Segment: hourFinder{}.Segment(hourAt(0))}
	writeSegment(t, table, segK, []tsValue{
		{T: int64(time.Second), X: 0},
		{T: int64(2 * time.Second), X: 1},
		{T: int64(3 * time.Second), X: 2},
	})

	ctx := context.Background()
	it, err := table.rangeValues(ctx, segK, hourAt(0).Add(2*time.Second), hourAt(0).Add(3*time.Second))
	if err != nil {
		t.Fatalf("rangeValues: %v", err)
	}
	got, err := drainForward(ctx, it)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 2 || got[0].X != 1 || got[1].X != 2 {
		t.Fatalf("expected [1,2] clipped to the bound, got %v", got)
	}
}

func TestRangeReverseValuesOrdersDescending(t *testing.T) {
	table := newTestTable(t)
	segK := SegmentedKey{HashKey: "k1", Segment: hourFinder{}.Segment(hourAt(0))}
	writeSegment(t, table, segK, []tsValue{
		{T: int64(time.Second), X: 0},
		{T: int64(2 * time.Second), X: 1},
		{T: int64(3 * time.Second), X: 2},
	})

	ctx := context.Background()
	it, err := table.rangeReverseValues(ctx, segK, hourAt(0), hourAt(0).Add(time.Hour))
	if err != nil {
		t.Fatalf("rangeReverseValues: %v", err)
	}
	got, err := drainForward(ctx, it)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 3 || got[0].X != 2 || got[2].X != 0 {
		t.Fatalf("expected descending [2,1,0], got %v", got)
	}
}

func TestGetLatestValueWithinSegment(t *testing.T) {
	table := newTestTable(t)
	segK := SegmentedKey{HashKey: "k1", Segment: hourFinder{}.Segment(hourAt(0))}
	writeSegment(t, table, segK, []tsValue{
		{T: int64(time.Second), X: 0},
		{T: int64(5 * time.Second), X: 1},
	})

	ctx := context.Background()
	v, found, err := table.getLatestValue(ctx, segK, hourAt(0).Add(3*time.Second))
	if err != nil {
		t.Fatalf("getLatestValue: %v", err)
	}
	if !found || v.X != 0 {
		t.Fatalf("expected the X=0 record (last one at or before the bound), got %v found=%v", v, found)
	}
}

func TestGetLatestValueNoneBeforeBound(t *testing.T) {
	table := newTestTable(t)
	segK := SegmentedKey{HashKey: "k1", Segment: hourFinder{}.Segment(hourAt(0))}
	writeSegment(t, table, segK, []tsValue{{T: int64(10 * time.Second), X: 0}})

	ctx := context.Background()
	_, found, err := table.getLatestValue(ctx, segK, hourAt(0).Add(time.Second))
	if err != nil {
		t.Fatalf("getLatestValue: %v", err)
	}
	if found {
		t.Fatalf("expected no record before the bound")
	}
}

func TestDeleteRangeRemovesFilesAndMetas(t *testing.T) {
	table := newTestTable(t)
	segK := SegmentedKey{HashKey: "k1", Segment: hourFinder{}.Segment(hourAt(0))}
	writeSegment(t, table, segK, []tsValue{{T: int64(time.Second), X: 0}})

	ctx := context.Background()
	metas, err := table.chunkMetas(ctx, segK)
	if err != nil || len(metas) == 0 {
		t.Fatalf("expected at least one chunk before delete, metas=%v err=%v", metas, err)
	}
	path := metas[0].FilePath

	if err := table.deleteRange(ctx, segK); err != nil {
		t.Fatalf("deleteRange: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected the chunk file to be removed from disk")
	}
	metas, err = table.chunkMetas(ctx, segK)
	if err != nil {
		t.Fatalf("chunkMetas after delete: %v", err)
	}
	if len(metas) != 0 {
		t.Fatalf("expected no chunk metas after delete, got %d", len(metas))
	}
}

func TestIsEmptyOrInconsistentOnNeverWrittenSegment(t *testing.T) {
	table := newTestTable(t)
	segK := SegmentedKey{HashKey: "k1", Segment: hourFinder{}.Segment(hourAt(0))}

	empty, err := table.isEmptyOrInconsistent(context.Background(), segK)
	if err != nil {
		t.Fatalf("isEmptyOrInconsistent: %v", err)
	}
	if !empty {
		t.Fatalf("expected a segment with zero chunks to report empty")
	}
}

func TestIsEmptyOrInconsistentOnWrittenSegment(t *testing.T) {
	table := newTestTable(t)
	segK := SegmentedKey{HashKey: "k1", Segment: hourFinder{}.Segment(hourAt(0))}
	writeSegment(t, table, segK, []tsValue{{T: int64(time.Second), X: 0}})

	empty, err := table.isEmptyOrInconsistent(context.Background(), segK)
	if err != nil {
		t.Fatalf("isEmptyOrInconsistent: %v", err)
	}
	if empty {
		t.Fatalf("expected a written segment with a readable chunk to not report empty")
	}
}
