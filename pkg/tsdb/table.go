package tsdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invesdwin/go-timeseries-segmented/internal/chunkfile"
	"github.com/invesdwin/go-timeseries-segmented/internal/common"
	"github.com/invesdwin/go-timeseries-segmented/internal/ioutil"
	"github.com/invesdwin/go-timeseries-segmented/internal/rangetable"
)

// segmentTable is the Per-Key Segment Table: for every SegmentedKey it
// maintains a firstTime-indexed ChunkMeta table (backed by rangetable) plus
// the chunk files those entries describe, and hands out the per-segment
// lock shared with the lifecycle manager.
type segmentTable[V any] struct {
	baseDir    string
	fileLookup rangetable.Store
	codec      ValueCodec[V]
	locks      *lockRegistry
	opts       Options
}

func newSegmentTable[V any](baseDir string, fileLookup rangetable.Store, codec ValueCodec[V], opts Options) *segmentTable[V] {
	return &segmentTable[V]{
		baseDir:    baseDir,
		fileLookup: fileLookup,
		codec:      codec,
		locks:      &lockRegistry{},
		opts:       opts,
	}
}

// segmentedHashKey is the rangetable "hashKey" used for the file-lookup
// table: a segment-scoped key so chunk metadata from different segments of
// the same series never collide, even though every segment shares one
// underlying bbolt bucket.
func segmentedHashKey(segK SegmentedKey) string {
	return fmt.Sprintf("%s|%d|%d", segK.HashKey, segK.Segment.From.Time().UnixNano(), segK.Segment.To.Time().UnixNano())
}

func (t *segmentTable[V]) segmentDir(segK SegmentedKey) string {
	return filepath.Join(t.baseDir, segK.HashKey,
		fmt.Sprintf("%d-%d", segK.Segment.From.Time().UnixNano(), segK.Segment.To.Time().UnixNano()))
}

func (t *segmentTable[V]) chunkPath(segK SegmentedKey, firstTime common.FDate) string {
	return filepath.Join(t.segmentDir(segK), fmt.Sprintf("%d.chunk", firstTime.Time().UnixNano()))
}

// getTableLock returns the read/write lock shared, by identity, between
// this table and the lifecycle manager for segK.
func (t *segmentTable[V]) getTableLock(segK SegmentedKey) *segmentLock {
	return t.locks.get(segK)
}

// newFile creates the chunk file for firstTime and returns a writer over
// it, using dynamic or fixed framing per Options. It fails with
// ErrDuplicateFile if that file already exists.
func (t *segmentTable[V]) newFile(segK SegmentedKey, firstTime common.FDate) (*chunkfile.Writer, string, error) {
	if err := ioutil.CreateDirIfNotExists(t.segmentDir(segK)); err != nil {
		return nil, "", err
	}
	path := t.chunkPath(segK, firstTime)
	if ioutil.FileExists(path) {
		return nil, "", common.ErrDuplicateFile
	}
	w, err := chunkfile.NewWriter(path, t.opts.FixedRecordLength)
	if err != nil {
		return nil, "", err
	}
	return w, path, nil
}

// finishFile records meta in the file-lookup table once a chunk's writer
// has been closed.
func (t *segmentTable[V]) finishFile(segK SegmentedKey, meta ChunkMeta) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return t.fileLookup.Put(segmentedHashKey(segK), meta.FirstTime, encoded)
}

// chunkMetas returns every chunk of segK ordered ascending by firstTime.
func (t *segmentTable[V]) chunkMetas(ctx context.Context, segK SegmentedKey) ([]ChunkMeta, error) {
	var metas []ChunkMeta
	err := t.fileLookup.Ascend(ctx, segmentedHashKey(segK), common.MinDate, common.MaxDate,
		func(_ common.FDate, value []byte) (bool, error) {
			var meta ChunkMeta
			if err := json.Unmarshal(value, &meta); err != nil {
				return false, err
			}
			metas = append(metas, meta)
			return true, nil
		})
	return metas, err
}

// rangeValues streams values from every chunk of segK whose range
// intersects [lo, hi], in ascending order, clipped per-record.
func (t *segmentTable[V]) rangeValues(ctx context.Context, segK SegmentedKey, lo, hi common.FDate) (ValueIterator[V], error) {
	metas, err := t.chunkMetas(ctx, segK)
	if err != nil {
		return nil, err
	}
	var relevant []ChunkMeta
	for _, m := range metas {
		if m.LastTime.Before(lo) || m.FirstTime.After(hi) {
			continue
		}
		relevant = append(relevant, m)
	}
	return &forwardChunkIterator[V]{table: t, metas: relevant, lo: lo, hi: hi}, nil
}

// rangeReverseValues is the reverse-order counterpart of rangeValues.
func (t *segmentTable[V]) rangeReverseValues(ctx context.Context, segK SegmentedKey, lo, hi common.FDate) (ValueIterator[V], error) {
	metas, err := t.chunkMetas(ctx, segK)
	if err != nil {
		return nil, err
	}
	var relevant []ChunkMeta
	for _, m := range metas {
		if m.LastTime.Before(lo) || m.FirstTime.After(hi) {
			continue
		}
		relevant = append(relevant, m)
	}
	for i, j := 0, len(relevant)-1; i < j; i, j = i+1, j-1 {
		relevant[i], relevant[j] = relevant[j], relevant[i]
	}
	return &reverseChunkIterator[V]{table: t, metas: relevant, lo: lo, hi: hi}, nil
}

// getLatestValue returns the record with the greatest time <= t, or ok=false
// if no chunk of segK starts at or before t.
func (t *segmentTable[V]) getLatestValue(ctx context.Context, segK SegmentedKey, at common.FDate) (V, bool, error) {
	var zero V
	var candidate *ChunkMeta
	err := t.fileLookup.Descend(ctx, segmentedHashKey(segK), common.MinDate, at,
		func(_ common.FDate, value []byte) (bool, error) {
			var meta ChunkMeta
			if err := json.Unmarshal(value, &meta); err != nil {
				return false, err
			}
			candidate = &meta
			return false, nil
		})
	if err != nil {
		return zero, false, err
	}
	if candidate == nil {
		return zero, false, nil
	}

	r, err := chunkfile.Open(candidate.FilePath)
	if err != nil {
		return zero, false, err
	}
	it, err := r.Iterator(chunkfile.Unbounded)
	if err != nil {
		return zero, false, err
	}
	defer it.Close()

	var best V
	found := false
	for it.Next(ctx) {
		v, err := t.codec.Deserialize(it.Value())
		if err != nil {
			return zero, false, err
		}
		vt := t.codec.ExtractTime(v)
		if vt.After(at) {
			break
		}
		best = v
		found = true
	}
	if err := it.Err(); err != nil {
		return zero, false, err
	}
	return best, found, nil
}

// deleteRange removes every chunk file and all ChunkMeta rows for segK.
func (t *segmentTable[V]) deleteRange(ctx context.Context, segK SegmentedKey) error {
	metas, err := t.chunkMetas(ctx, segK)
	if err != nil {
		return err
	}
	for _, m := range metas {
		_ = os.Remove(m.FilePath)
	}
	if err := t.fileLookup.DeleteRange(segmentedHashKey(segK), common.MinDate, common.MaxDate); err != nil {
		return err
	}
	return ioutil.RemoveAll(t.segmentDir(segK))
}

// isEmptyOrInconsistent reports whether segK has no chunks, or any
// declared chunk file is missing, unreadable, or empty. A chunk that fails
// to open or to read is quarantined rather than left for the next reader
// to trip over; a chunk that reads cleanly but yields zero records is
// reported without being quarantined.
func (t *segmentTable[V]) isEmptyOrInconsistent(ctx context.Context, segK SegmentedKey) (bool, error) {
	metas, err := t.chunkMetas(ctx, segK)
	if err != nil {
		return false, err
	}
	if len(metas) == 0 {
		return true, nil
	}
	for _, m := range metas {
		ok, err := t.chunkIsReadable(ctx, m)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
	}
	return false, nil
}

func (t *segmentTable[V]) chunkIsReadable(ctx context.Context, m ChunkMeta) (bool, error) {
	if !ioutil.FileExists(m.FilePath) {
		return false, nil
	}
	r, err := chunkfile.Open(m.FilePath)
	if err != nil {
		_ = ioutil.QuarantineFile(m.FilePath)
		return false, nil
	}
	it, err := r.Iterator(chunkfile.Unbounded)
	if err != nil {
		_ = ioutil.QuarantineFile(m.FilePath)
		return false, nil
	}
	defer it.Close()
	has := it.Next(ctx)
	if err := it.Err(); err != nil {
		_ = ioutil.QuarantineFile(m.FilePath)
		return false, nil
	}
	return has, nil
}
