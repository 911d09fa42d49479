package tsdb

import (
	"context"
	"time"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

// minTimeUnit is the smallest step the reverse enumerator backs off by
// when seeding the next candidate segment from the current one's start.
const minTimeUnit = time.Millisecond

// verdict is what the enumerator decides about a candidate segment before
// yielding it, replacing the source's thrown "fast no-such-element" with
// an explicit result the caller switches on.
type verdict int

const (
	verdictContinue verdict = iota // not a match, keep scanning
	verdictYield                   // yield this segment, keep scanning after
	verdictStop                    // stop the enumeration entirely
)

func forwardVerdict(seg, bounds common.TimeRange) verdict {
	if seg.To.Before(bounds.From) {
		// Finder produced a segment predating the window; drop it and
		// keep going rather than failing the whole scan.
		return verdictContinue
	}
	if seg.From.After(bounds.To) {
		return verdictStop
	}
	return verdictYield
}

func reverseVerdict(seg common.TimeRange, from common.FDate) verdict {
	if seg.To.BeforeOrEqual(from) {
		return verdictStop
	}
	return verdictYield
}

// segmentIterator is the closeable forward/reverse enumerator of
// TimeRanges. Both directions honor Next(ctx)/Value()/Err()/Close(), the
// same shape every other cursor in this module uses.
type segmentIterator struct {
	segs []common.TimeRange
	idx  int
	cur  common.TimeRange
}

func (it *segmentIterator) Next(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	if it.idx >= len(it.segs) {
		return false
	}
	it.cur = it.segs[it.idx]
	it.idx++
	return true
}

func (it *segmentIterator) Value() common.TimeRange { return it.cur }
func (it *segmentIterator) Err() error               { return nil }
func (it *segmentIterator) Close() error             { return nil }

// forwardSegments enumerates every segment intersecting [from, to],
// ascending, via the finder's own range query, clipped as a safety net by
// forwardVerdict in case the finder over- or under-shoots.
func forwardSegments(finder SegmentFinder, from, to common.FDate) *segmentIterator {
	bounds := common.TimeRange{From: from, To: to}
	candidates := finder.Range(from, to)
	var segs []common.TimeRange
	for _, seg := range candidates {
		switch forwardVerdict(seg, bounds) {
		case verdictContinue:
			continue
		case verdictStop:
			return &segmentIterator{segs: segs}
		case verdictYield:
			segs = append(segs, seg)
		}
	}
	return &segmentIterator{segs: segs}
}

// reverseSegments enumerates segments descending, seeded from finder(to)
// and stepping backward via finder(curSegment.from - minTimeUnit), the
// restatement of the source's thrown-sentinel loop as an explicit verdict.
func reverseSegments(finder SegmentFinder, from, to common.FDate) *segmentIterator {
	var segs []common.TimeRange
	cur := finder.Segment(to)
	for {
		switch reverseVerdict(cur, from) {
		case verdictStop:
			return &segmentIterator{segs: segs}
		case verdictYield:
			segs = append(segs, cur)
		}
		prevPoint := cur.From.Add(-minTimeUnit)
		if prevPoint.Before(common.MinDate) || prevPoint.Equal(cur.From) {
			return &segmentIterator{segs: segs}
		}
		next := finder.Segment(prevPoint)
		if !next.From.Before(cur.From) {
			// Finder did not make progress; stop rather than loop forever.
			return &segmentIterator{segs: segs}
		}
		cur = next
	}
}
