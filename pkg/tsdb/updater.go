package tsdb

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
	"github.com/invesdwin/go-timeseries-segmented/internal/ioutil"
)

// UpdateProgress summarizes one call to updater.Update: how many elements
// were written and the time bounds they covered, mirroring
// getCount()/getMinTime()/getMaxTime() from the source this was modeled on.
type UpdateProgress struct {
	Count   int
	MinTime common.FDate
	MaxTime common.FDate
}

const updateLockFileName = "update.lock"

// updater is the Range Updater: it pulls values from a SourceFunc, batches
// them, enforces monotonic time, and flushes each batch through the
// segment table's chunk writer.
type updater[V any] struct {
	table *segmentTable[V]
	codec ValueCodec[V]
	opts  Options
}

func newUpdater[V any](table *segmentTable[V], codec ValueCodec[V], opts Options) *updater[V] {
	return &updater[V]{table: table, codec: codec, opts: opts}
}

func (u *updater[V]) lockFilePath(segK SegmentedKey) string {
	return filepath.Join(u.table.segmentDir(segK), updateLockFileName)
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// prependIterator yields a fixed prefix of values before delegating to an
// inner iterator, implementing step 4's "concatenate lastValues and
// source".
type prependIterator[V any] struct {
	prefix []V
	pos    int
	inner  ValueIterator[V]
	cur    V
}

func (it *prependIterator[V]) Next(ctx context.Context) bool {
	if it.pos < len(it.prefix) {
		it.cur = it.prefix[it.pos]
		it.pos++
		return true
	}
	if it.inner == nil {
		return false
	}
	if it.inner.Next(ctx) {
		it.cur = it.inner.Value()
		return true
	}
	return false
}

func (it *prependIterator[V]) Value() V { return it.cur }
func (it *prependIterator[V]) Err() error {
	if it.inner == nil {
		return nil
	}
	return it.inner.Err()
}
func (it *prependIterator[V]) Close() error {
	if it.inner == nil {
		return nil
	}
	return it.inner.Close()
}

// skipBeforeIterator drops every element whose time is strictly before
// from, implementing step 4's "skip any element whose time < updateFrom"
// boundary deduplication.
type skipBeforeIterator[V any] struct {
	inner ValueIterator[V]
	from  common.FDate
	codec ValueCodec[V]
	cur   V
}

func (it *skipBeforeIterator[V]) Next(ctx context.Context) bool {
	for it.inner.Next(ctx) {
		v := it.inner.Value()
		if it.codec.ExtractTime(v).Before(it.from) {
			continue
		}
		it.cur = v
		return true
	}
	return false
}

func (it *skipBeforeIterator[V]) Value() V     { return it.cur }
func (it *skipBeforeIterator[V]) Err() error   { return it.inner.Err() }
func (it *skipBeforeIterator[V]) Close() error { return it.inner.Close() }

// Update materializes segK: it verifies no crash marker is present (purging
// and asking for a retry if one is), concatenates lastValues with src
// skipping anything before updateFrom, batches the result, and flushes
// each batch to a new chunk. The writer invariant afterwards is
// updateFrom <= minTime and maxTime <= segK.Segment.To; callers
// (the lifecycle manager) check the segment-level bound separately.
func (u *updater[V]) Update(ctx context.Context, segK SegmentedKey, updateFrom common.FDate, lastValues []V, src ValueIterator[V]) (UpdateProgress, error) {
	if err := createSegmentDir(u.table, segK); err != nil {
		return UpdateProgress{}, err
	}

	lockPath := u.lockFilePath(segK)
	if fileExists(lockPath) {
		_ = u.table.deleteRange(ctx, segK)
		return UpdateProgress{}, common.RetryLater(common.ErrIncompleteUpdate)
	}
	if err := touchFile(lockPath); err != nil {
		return UpdateProgress{}, err
	}

	if u.opts.Hooks.OnUpdateStart != nil {
		u.opts.Hooks.OnUpdateStart(segK)
	}

	combined := &skipBeforeIterator[V]{
		inner:  &prependIterator[V]{prefix: lastValues, inner: src},
		from:   updateFrom,
		codec:  u.codec,
	}

	var progress UpdateProgress
	haveLast := false
	var lastMaxTime common.FDate

	flushBatch := func(flushIndex int, batch []V) (ChunkMeta, error) {
		return u.writeBatch(segK, flushIndex, batch)
	}

	onFlush := func(meta ChunkMeta, count int) {
		if u.opts.Hooks.OnFlush != nil {
			u.opts.Hooks.OnFlush(segK, meta, count)
		}
	}

	var err error
	if u.opts.WriteInParallel && u.opts.WriterThreads > 1 {
		err = u.runParallel(ctx, combined, &progress, &lastMaxTime, &haveLast, flushBatch, onFlush)
	} else {
		err = u.runSerial(ctx, combined, &progress, &lastMaxTime, &haveLast, flushBatch, onFlush)
	}
	if err != nil {
		return progress, err
	}

	if progress.Count == 0 {
		// An empty materialization is itself an invariant violation: every
		// COMPLETE segment must contain at least one element.
		return progress, common.RetryLater(common.ErrInvariantViolation)
	}

	if err := os.Remove(lockPath); err != nil {
		return progress, err
	}

	if u.opts.Hooks.OnUpdateFinished != nil {
		u.opts.Hooks.OnUpdateFinished(segK, progress.Count, progress.MinTime, progress.MaxTime)
	}

	return progress, nil
}

func (u *updater[V]) runSerial(ctx context.Context, combined ValueIterator[V], progress *UpdateProgress, lastMaxTime *common.FDate, haveLast *bool, flush func(int, []V) (ChunkMeta, error), onFlush func(ChunkMeta, int)) error {
	defer combined.Close()
	batch := make([]V, 0, u.opts.BatchSize)
	flushIndex := 0

	drain := func() error {
		if len(batch) == 0 {
			return nil
		}
		meta, err := flush(flushIndex, batch)
		if err != nil {
			return err
		}
		flushIndex++
		onFlush(meta, len(batch))
		batch = make([]V, 0, u.opts.BatchSize)
		return nil
	}

	for combined.Next(ctx) {
		v := combined.Value()
		t := u.codec.ExtractTime(v)
		if *haveLast && t.Before(*lastMaxTime) {
			return common.ErrInvariantViolation
		}
		*lastMaxTime = t
		*haveLast = true

		if progress.Count == 0 {
			progress.MinTime = t
		}
		progress.MaxTime = u.codec.ExtractEndTime(v)
		progress.Count++

		batch = append(batch, v)
		if len(batch) >= u.opts.BatchSize {
			if err := drain(); err != nil {
				return err
			}
		}
	}
	if err := combined.Err(); err != nil {
		return err
	}
	return drain()
}

// runParallel batches on the calling goroutine (the "producer") and hands
// each full batch to a worker pool (the "consumers") over a bounded
// channel. Each worker writes its chunk and its ChunkMeta row itself (rows
// are keyed, and so ordered, by the chunk's first time); a reorder buffer
// delivers the OnFlush callbacks in flush-index order regardless of which
// worker finishes first.
func (u *updater[V]) runParallel(ctx context.Context, combined ValueIterator[V], progress *UpdateProgress, lastMaxTime *common.FDate, haveLast *bool, flush func(int, []V) (ChunkMeta, error), onFlush func(ChunkMeta, int)) error {
	defer combined.Close()

	type job struct {
		index int
		batch []V
	}
	type result struct {
		index int
		meta  ChunkMeta
		count int
		err   error
	}

	jobs := make(chan job, u.opts.ProducerQueueDepth)
	results := make(chan result, u.opts.ProducerQueueDepth)

	var wg sync.WaitGroup
	for i := 0; i < u.opts.WriterThreads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				meta, err := flush(j.index, j.batch)
				results <- result{index: j.index, meta: meta, count: len(j.batch), err: err}
			}
		}()
	}

	producerErrCh := make(chan error, 1)
	go func() {
		defer close(jobs)
		batch := make([]V, 0, u.opts.BatchSize)
		flushIndex := 0
		for combined.Next(ctx) {
			v := combined.Value()
			t := u.codec.ExtractTime(v)
			if *haveLast && t.Before(*lastMaxTime) {
				producerErrCh <- common.ErrInvariantViolation
				return
			}
			*lastMaxTime = t
			*haveLast = true

			if progress.Count == 0 {
				progress.MinTime = t
			}
			progress.MaxTime = u.codec.ExtractEndTime(v)
			progress.Count++

			batch = append(batch, v)
			if len(batch) >= u.opts.BatchSize {
				jobs <- job{index: flushIndex, batch: batch}
				flushIndex++
				batch = make([]V, 0, u.opts.BatchSize)
			}
		}
		if err := combined.Err(); err != nil {
			producerErrCh <- err
			return
		}
		if len(batch) > 0 {
			jobs <- job{index: flushIndex, batch: batch}
		}
		producerErrCh <- nil
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	// Reorder buffer: publish results in ascending flush-index order.
	pending := make(map[int]result)
	next := 0
	var firstErr error
	for r := range results {
		if r.err != nil && firstErr == nil {
			firstErr = r.err
			continue
		}
		pending[r.index] = r
		for {
			done, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			onFlush(done.meta, done.count)
			next++
		}
	}

	if perr := <-producerErrCh; perr != nil && firstErr == nil {
		firstErr = perr
	}

	return firstErr
}

func (u *updater[V]) writeBatch(segK SegmentedKey, flushIndex int, batch []V) (ChunkMeta, error) {
	firstTime := u.codec.ExtractTime(batch[0])
	w, path, err := u.table.newFile(segK, firstTime)
	if err != nil {
		return ChunkMeta{}, err
	}
	for _, v := range batch {
		encoded, err := u.codec.Serialize(v)
		if err != nil {
			w.Close()
			return ChunkMeta{}, err
		}
		if err := w.Add(encoded); err != nil {
			w.Close()
			return ChunkMeta{}, err
		}
	}
	if err := w.Close(); err != nil {
		return ChunkMeta{}, err
	}

	firstElem, err := u.codec.Serialize(batch[0])
	if err != nil {
		return ChunkMeta{}, err
	}
	lastElem, err := u.codec.Serialize(batch[len(batch)-1])
	if err != nil {
		return ChunkMeta{}, err
	}
	meta := ChunkMeta{
		FilePath:  path,
		FirstTime: firstTime,
		LastTime:  u.codec.ExtractEndTime(batch[len(batch)-1]),
		FirstElem: firstElem,
		LastElem:  lastElem,
	}
	if err := u.table.finishFile(segK, meta); err != nil {
		return ChunkMeta{}, err
	}
	return meta, nil
}

func createSegmentDir[V any](t *segmentTable[V], segK SegmentedKey) error {
	return ioutil.CreateDirIfNotExists(t.segmentDir(segK))
}

func fileExists(path string) bool {
	return ioutil.FileExists(path)
}

