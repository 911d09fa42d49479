package tsdb

import (
	"context"
	"time"

	"testing"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

func hourAt(hoursSinceEpoch int64) common.FDate {
	return common.NewFDate(time.Unix(hoursSinceEpoch*3600, 0))
}

func TestForwardSegmentsEnumeratesTiles(t *testing.T) {
	finder := hourFinder{}
	it := forwardSegments(finder, hourAt(0), hourAt(2))

	ctx := context.Background()
	var segs []common.TimeRange
	for it.Next(ctx) {
		segs = append(segs, it.Value())
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 hourly segments spanning hours 0-2, got %d", len(segs))
	}
	for i := 0; i < len(segs)-1; i++ {
		if !segs[i].To.Add(time.Nanosecond).Equal(segs[i+1].From) {
			t.Fatalf("segments %d and %d are not contiguous: %s, %s", i, i+1, segs[i], segs[i+1])
		}
	}
}

func TestReverseSegmentsEnumeratesDescending(t *testing.T) {
	finder := hourFinder{}
	it := reverseSegments(finder, hourAt(0), hourAt(2))

	ctx := context.Background()
	var segs []common.TimeRange
	for it.Next(ctx) {
		segs = append(segs, it.Value())
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 hourly segments, got %d", len(segs))
	}
	for i := 0; i < len(segs)-1; i++ {
		if !segs[i].From.After(segs[i+1].From) {
			t.Fatalf("expected strictly descending segments, got %s then %s", segs[i], segs[i+1])
		}
	}
}

func TestReverseSegmentsStopsAtFromBound(t *testing.T) {
	finder := hourFinder{}
	it := reverseSegments(finder, hourAt(1), hourAt(3))

	ctx := context.Background()
	var segs []common.TimeRange
	for it.Next(ctx) {
		segs = append(segs, it.Value())
	}
	for _, seg := range segs {
		if seg.To.BeforeOrEqual(hourAt(1)) {
			t.Fatalf("reverse enumeration should stop once a segment's To is at or before the from bound, got %s", seg)
		}
	}
}
