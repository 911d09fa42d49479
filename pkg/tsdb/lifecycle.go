package tsdb

import (
	"context"
	"errors"
	"time"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
	"github.com/invesdwin/go-timeseries-segmented/pkg/tsdb/retry"
)

// lifecycleManager implements maybeInitSegment: the state machine that
// takes a segment from absent/INITIALIZING to COMPLETE, enforcing
// availability bounds and crash recovery.
type lifecycleManager[V any] struct {
	table        *segmentTable[V]
	status       *statusStore
	updater      *updater[V]
	source       SourceFunc[V]
	availability AvailabilityFunc
	opts         Options
}

func newLifecycleManager[V any](table *segmentTable[V], status *statusStore, upd *updater[V], source SourceFunc[V], availability AvailabilityFunc, opts Options) *lifecycleManager[V] {
	return &lifecycleManager[V]{
		table:        table,
		status:       status,
		updater:      upd,
		source:       source,
		availability: availability,
		opts:         opts,
	}
}

// maybeInitSegment ensures segK is COMPLETE, materializing it if needed.
// It is a no-op if the segment is already COMPLETE. Concurrent callers for
// the same segK serialize on the segment's intrinsic monitor, so at most
// one of them ever invokes the source.
func (lm *lifecycleManager[V]) maybeInitSegment(ctx context.Context, segK SegmentedKey) error {
	lock := lm.table.getTableLock(segK)

	var outcome error
	lock.WithMonitor(func() {
		lock.RLock()
		st, err := lm.status.get(segK)
		lock.RUnlock()
		if err != nil {
			outcome = err
			return
		}
		if st == common.StatusComplete {
			return
		}

		availFrom, availTo, err := lm.availability(segK.HashKey)
		if err != nil {
			outcome = err
			return
		}
		if segK.Segment.To.Before(availFrom) {
			outcome = common.ErrInvariantViolation
			return
		}
		if segK.Segment.To.After(availTo) {
			outcome = common.ErrInvariantViolation
			return
		}

		if !lock.TryLockTimeout(lm.opts.WriteLockTimeout) {
			outcome = common.RetryLater(errors.New("write lock acquisition timed out"))
			return
		}
		defer lock.Unlock()

		outcome = lm.initUnderWriteLock(ctx, segK)
	})
	return outcome
}

// initUnderWriteLock runs with the segment's write lock held: it observes
// status once more (it may have changed while this caller waited for the
// monitor and then the write lock), recovers from a crash if INITIALIZING
// was left behind, runs the update with retries, and sets COMPLETE only
// once the result passes isEmptyOrInconsistent.
func (lm *lifecycleManager[V]) initUnderWriteLock(ctx context.Context, segK SegmentedKey) error {
	st, err := lm.status.get(segK)
	if err != nil {
		return err
	}
	if st == common.StatusComplete {
		return nil
	}
	if st == common.StatusInitializing {
		if err := lm.table.deleteRange(ctx, segK); err != nil {
			return err
		}
		if err := lm.status.delete(segK); err != nil {
			return err
		}
	}

	if err := lm.status.put(segK, common.StatusInitializing); err != nil {
		return err
	}

	policy := retry.NewDefaultBackOff(5 * time.Minute)
	runErr := retry.Run(ctx, policy, func() error {
		return lm.initSegment(ctx, segK)
	})
	if runErr != nil {
		// Status stays INITIALIZING; the next caller observes that and
		// restarts after a purge.
		return runErr
	}

	empty, err := lm.table.isEmptyOrInconsistent(ctx, segK)
	if err != nil {
		return err
	}
	if empty {
		return common.RetryLater(common.ErrInvariantViolation)
	}

	return lm.status.put(segK, common.StatusComplete)
}

// initSegment runs one attempt of the Range Updater over the full segment
// range, from scratch (no redo of a prior last chunk: a from-absent
// initialization never has one).
func (lm *lifecycleManager[V]) initSegment(ctx context.Context, segK SegmentedKey) error {
	src, err := lm.source(ctx, segK.HashKey, segK.Segment)
	if err != nil {
		return err
	}
	progress, err := lm.updater.Update(ctx, segK, segK.Segment.From, nil, src)
	if err != nil {
		return err
	}
	if progress.MinTime.Before(segK.Segment.From) || progress.MaxTime.After(segK.Segment.To) {
		return common.ErrInvariantViolation
	}
	return nil
}
