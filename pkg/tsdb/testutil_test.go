package tsdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

// tsValue is the minimal point-in-time value used across pkg/tsdb tests: a
// unix-nanosecond timestamp plus a float payload.
type tsValue struct {
	T int64
	X float64
}

type tsCodec struct{}

func (tsCodec) Serialize(v tsValue) ([]byte, error) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(v.T))
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(v.X))
	return buf, nil
}

func (tsCodec) Deserialize(data []byte) (tsValue, error) {
	if len(data) != 16 {
		return tsValue{}, fmt.Errorf("bad record length %d", len(data))
	}
	t := int64(binary.BigEndian.Uint64(data[0:8]))
	x := math.Float64frombits(binary.BigEndian.Uint64(data[8:16]))
	return tsValue{T: t, X: x}, nil
}

func (tsCodec) ExtractTime(v tsValue) common.FDate {
	return common.NewFDate(time.Unix(0, v.T))
}

func (tsCodec) ExtractEndTime(v tsValue) common.FDate {
	return common.NewFDate(time.Unix(0, v.T))
}

// hourFinder tiles time into contiguous, non-overlapping one-hour segments.
type hourFinder struct{}

func (hourFinder) Segment(t common.FDate) common.TimeRange {
	from := t.Time().Truncate(time.Hour)
	to := from.Add(time.Hour - time.Nanosecond)
	return common.TimeRange{From: common.NewFDate(from), To: common.NewFDate(to)}
}

func (f hourFinder) Range(from, to common.FDate) []common.TimeRange {
	var segs []common.TimeRange
	cur := f.Segment(from)
	for !cur.From.After(to) {
		segs = append(segs, cur)
		next := cur.To.Add(time.Nanosecond)
		if !next.After(cur.From) {
			break
		}
		cur = f.Segment(next)
	}
	return segs
}

// memSource is an in-memory fake for SourceFunc/AvailabilityFunc: a test
// populates values per hashKey up front, and the fake slices out whatever a
// requested segment overlaps.
type memSource struct {
	mu       sync.Mutex
	values   map[string][]tsValue // sorted ascending by T
	from, to common.FDate
	calls    map[string]int // segmentedHashKey -> invocation count, for at-most-once assertions
}

func newMemSource(from, to common.FDate) *memSource {
	return &memSource{
		values: make(map[string][]tsValue),
		from:   from,
		to:     to,
		calls:  make(map[string]int),
	}
}

func (m *memSource) put(hashKey string, v tsValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.values[hashKey]
	vs = append(vs, v)
	sort.Slice(vs, func(i, j int) bool { return vs[i].T < vs[j].T })
	m.values[hashKey] = vs
}

func (m *memSource) source(ctx context.Context, hashKey string, segment common.TimeRange) (ValueIterator[tsValue], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s|%d|%d", hashKey, segment.From.Time().UnixNano(), segment.To.Time().UnixNano())
	m.calls[key]++

	var out []tsValue
	for _, v := range m.values[hashKey] {
		vt := common.NewFDate(time.Unix(0, v.T))
		if segment.Contains(vt) {
			out = append(out, v)
		}
	}
	return &sliceIterator[tsValue]{values: out}, nil
}

func (m *memSource) callCount(hashKey string, segment common.TimeRange) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s|%d|%d", hashKey, segment.From.Time().UnixNano(), segment.To.Time().UnixNano())
	return m.calls[key]
}

func (m *memSource) availability(hashKey string) (common.FDate, common.FDate, error) {
	return m.from, m.to, nil
}

func drainForward(ctx context.Context, it ValueIterator[tsValue]) ([]tsValue, error) {
	defer it.Close()
	var out []tsValue
	for it.Next(ctx) {
		out = append(out, it.Value())
	}
	return out, it.Err()
}
