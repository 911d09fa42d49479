package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
	"github.com/invesdwin/go-timeseries-segmented/internal/hashkey"
	"github.com/invesdwin/go-timeseries-segmented/internal/rangetable"
	"github.com/invesdwin/go-timeseries-segmented/pkg/tsdb"
)

// instrument is the richer identifier a real caller would key a series by;
// hashkey.Of derives the stable, path-safe string tsdb itself stores
// segments under.
type instrument struct {
	Symbol   string
	Exchange string
}

func (i instrument) hashKey() string {
	return hashkey.Of([]byte(i.Exchange + ":" + i.Symbol))
}

// tick is a single point-in-time sample: a unix-nanosecond timestamp plus a
// price. Real callers bring their own value type; tsdb only needs a
// ValueCodec to serialize it and extract its time.
type tick struct {
	At    int64
	Price float64
}

type tickCodec struct{}

func (tickCodec) Serialize(v tick) ([]byte, error) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(v.At))
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(v.Price))
	return buf, nil
}

func (tickCodec) Deserialize(data []byte) (tick, error) {
	return tick{
		At:    int64(binary.BigEndian.Uint64(data[0:8])),
		Price: math.Float64frombits(binary.BigEndian.Uint64(data[8:16])),
	}, nil
}

func (tickCodec) ExtractTime(v tick) common.FDate    { return common.NewFDate(time.Unix(0, v.At)) }
func (tickCodec) ExtractEndTime(v tick) common.FDate { return common.NewFDate(time.Unix(0, v.At)) }

// dayFinder tiles time into contiguous, non-overlapping one-day segments.
type dayFinder struct{}

func (dayFinder) Segment(t common.FDate) common.TimeRange {
	from := t.Time().Truncate(24 * time.Hour)
	to := from.Add(24*time.Hour - time.Nanosecond)
	return common.TimeRange{From: common.NewFDate(from), To: common.NewFDate(to)}
}

func (f dayFinder) Range(from, to common.FDate) []common.TimeRange {
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

// sliceIterator adapts a plain slice to tsdb.ValueIterator, the same shape
// a real SourceFunc returns.
type sliceIterator struct {
	values []tick
	idx    int
}

func (it *sliceIterator) Next(ctx context.Context) bool {
	if it.idx >= len(it.values) {
		return false
	}
	it.idx++
	return true
}
func (it *sliceIterator) Value() tick  { return it.values[it.idx-1] }
func (it *sliceIterator) Err() error   { return nil }
func (it *sliceIterator) Close() error { return nil }

func epoch(n int) time.Time {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return base.AddDate(0, 0, n)
}

// backingTicks stands in for whatever upstream system actually owns this
// data (a database, an object store, another service): tsdb calls into it
// only once per segment, caching the materialized result on disk afterward.
var aapl = instrument{Symbol: "AAPL", Exchange: "NASDAQ"}

var backingTicks = map[string][]tick{
	aapl.hashKey(): {
		{At: epoch(0).Add(9 * time.Hour).UnixNano(), Price: 190.12},
		{At: epoch(0).Add(15 * time.Hour).UnixNano(), Price: 191.40},
		{At: epoch(1).Add(9 * time.Hour).UnixNano(), Price: 189.75},
		{At: epoch(1).Add(15 * time.Hour).UnixNano(), Price: 188.90},
	},
}

func source(ctx context.Context, hashKey string, segment common.TimeRange) (tsdb.ValueIterator[tick], error) {
	var out []tick
	for _, v := range backingTicks[hashKey] {
		if segment.Contains(common.NewFDate(time.Unix(0, v.At))) {
			out = append(out, v)
		}
	}
	return &sliceIterator{values: out}, nil
}

func availability(hashKey string) (common.FDate, common.FDate, error) {
	return common.NewFDate(epoch(0)), common.NewFDate(epoch(2).Add(-time.Nanosecond)), nil
}

func main() {
	tempDir, err := os.MkdirTemp(".", "tsdb-example-*")
	if err != nil {
		log.Fatalf("Failed to create temp directory: %v", err)
	}
	defer func() {
		fmt.Printf("\nSeries data persisted in: %s\n", tempDir)
		fmt.Println("Remove with: rm -rf", tempDir)
	}()

	fmt.Printf("tsdb Example\n")
	fmt.Printf("============\n")
	fmt.Printf("Using temporary directory: %s\n\n", tempDir)

	fileLookup, err := rangetable.OpenBboltStore(filepath.Join(tempDir, "chunks.db"), "chunks")
	if err != nil {
		log.Fatalf("Failed to open chunk store: %v", err)
	}
	defer fileLookup.Close()

	statusBacking, err := rangetable.OpenBboltStore(filepath.Join(tempDir, "status.db"), "status")
	if err != nil {
		log.Fatalf("Failed to open status store: %v", err)
	}
	defer statusBacking.Close()

	fmt.Println("1. Opening series...")
	opts := tsdb.DefaultOptions()
	series := tsdb.NewSeries[tick](filepath.Join(tempDir, "segments"), fileLookup, statusBacking,
		tickCodec{}, dayFinder{}, availability, source, opts)
	fmt.Println("   ✓ Series opened successfully")

	ctx := context.Background()

	fmt.Println("\n2. Reading the full backfilled range (lazily materializes day0 and day1)...")
	it, err := series.ReadRangeValues(ctx, aapl.hashKey(), common.NewFDate(epoch(0)), common.NewFDate(epoch(1).Add(23*time.Hour)))
	if err != nil {
		log.Fatalf("Failed to read range: %v", err)
	}
	for it.Next(ctx) {
		v := it.Value()
		fmt.Printf("   %s: %.2f\n", time.Unix(0, v.At).UTC().Format(time.RFC3339), v.Price)
	}
	if err := it.Err(); err != nil {
		log.Fatalf("Iterator error: %v", err)
	}
	it.Close()

	fmt.Println("\n3. Re-reading day0's latest value before noon (served from the on-disk chunk)...")
	latest, found, err := series.GetLatestValue(ctx, aapl.hashKey(), common.NewFDate(epoch(0).Add(12*time.Hour)))
	if err != nil {
		log.Fatalf("Failed to get latest value: %v", err)
	}
	if found {
		fmt.Printf("   ✓ latest at or before noon on day0: %.2f\n", latest.Price)
	} else {
		fmt.Println("   ℹ no value found")
	}

	fmt.Println("\n4. Layering a live overlay on top for same-day appends...")
	live := tsdb.NewLiveSeries[tick](series, dayFinder{}, tickCodec{})
	fresh := tick{At: epoch(1).Add(20 * time.Hour).UnixNano(), Price: 187.25}
	if err := live.Append(ctx, aapl.hashKey(), fresh); err != nil {
		log.Fatalf("Failed to append live value: %v", err)
	}
	last, found, err := live.GetLastValue(ctx, aapl.hashKey())
	if err != nil {
		log.Fatalf("Failed to get last value: %v", err)
	}
	if found {
		fmt.Printf("   ✓ most recent value including the live tail: %.2f\n", last.Price)
	}

	fmt.Println("\n5. Checking consistency state...")
	empty, err := series.IsEmptyOrInconsistent(ctx, aapl.hashKey())
	if err != nil {
		log.Fatalf("Failed to check consistency: %v", err)
	}
	fmt.Printf("   isEmptyOrInconsistent(%s) = %v\n", aapl.Symbol, empty)

	fmt.Println("\n✅ Example completed successfully!")
}
