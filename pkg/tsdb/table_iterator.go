package tsdb

import (
	"context"

	"github.com/invesdwin/go-timeseries-segmented/internal/chunkfile"
	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

// forwardChunkIterator flattens a sequence of chunk files into one ordered
// iterator, clipped to [lo, hi] per record. Chunks are pre-sorted ascending
// by firstTime and never overlap, so once a record's time exceeds hi the
// whole iteration can stop.
type forwardChunkIterator[V any] struct {
	table   *segmentTable[V]
	metas   []ChunkMeta
	lo, hi  common.FDate
	idx     int
	cur     *chunkfile.Iterator
	curOpen bool
	value   V
	err     error
	done    bool
}

func (it *forwardChunkIterator[V]) openNext(ctx context.Context) bool {
	for it.idx < len(it.metas) {
		meta := it.metas[it.idx]
		it.idx++
		r, err := chunkfile.Open(meta.FilePath)
		if err != nil {
			it.err = err
			return false
		}
		fwd, err := r.Iterator(chunkfile.Unbounded)
		if err != nil {
			it.err = err
			return false
		}
		it.cur = fwd
		it.curOpen = true
		return true
	}
	return false
}

func (it *forwardChunkIterator[V]) Next(ctx context.Context) bool {
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
		if !it.cur.Next(ctx) {
			if err := it.cur.Err(); err != nil {
				it.err = err
				return false
			}
			it.cur.Close()
			it.curOpen = false
			continue
		}
		v, err := it.table.codec.Deserialize(it.cur.Value())
		if err != nil {
			it.err = err
			return false
		}
		vt := it.table.codec.ExtractTime(v)
		if vt.After(it.hi) {
			it.done = true
			it.cur.Close()
			it.curOpen = false
			return false
		}
		if vt.Before(it.lo) {
			continue
		}
		it.value = v
		return true
	}
}

func (it *forwardChunkIterator[V]) Value() V   { return it.value }
func (it *forwardChunkIterator[V]) Err() error { return it.err }
func (it *forwardChunkIterator[V]) Close() error {
	if it.curOpen {
		it.curOpen = false
		return it.cur.Close()
	}
	return nil
}

// reverseChunkIterator is the reverse-order counterpart, walking
// pre-reversed chunks and each chunk's ReverseIterator.
type reverseChunkIterator[V any] struct {
	table   *segmentTable[V]
	metas   []ChunkMeta
	lo, hi  common.FDate
	idx     int
	cur     *chunkfile.ReverseIterator
	curOpen bool
	value   V
	err     error
	done    bool
}

func (it *reverseChunkIterator[V]) openNext(ctx context.Context) bool {
	for it.idx < len(it.metas) {
		meta := it.metas[it.idx]
		it.idx++
		r, err := chunkfile.Open(meta.FilePath)
		if err != nil {
			it.err = err
			return false
		}
		rev, err := r.ReverseIterator(chunkfile.Unbounded)
		if err != nil {
			it.err = err
			return false
		}
		it.cur = rev
		it.curOpen = true
		return true
	}
	return false
}

func (it *reverseChunkIterator[V]) Next(ctx context.Context) bool {
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
		if !it.cur.Next(ctx) {
			it.cur.Close()
			it.curOpen = false
			continue
		}
		v, err := it.table.codec.Deserialize(it.cur.Value())
		if err != nil {
			it.err = err
			return false
		}
		vt := it.table.codec.ExtractTime(v)
		if vt.Before(it.lo) {
			it.done = true
			it.cur.Close()
			it.curOpen = false
			return false
		}
		if vt.After(it.hi) {
			continue
		}
		it.value = v
		return true
	}
}

func (it *reverseChunkIterator[V]) Value() V   { return it.value }
func (it *reverseChunkIterator[V]) Err() error { return it.err }
func (it *reverseChunkIterator[V]) Close() error {
	if it.curOpen {
		it.curOpen = false
		return it.cur.Close()
	}
	return nil
}
