package tsdb

import (
	"context"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
	"github.com/invesdwin/go-timeseries-segmented/internal/rangetable"
)

// statusStore is the Segment Status Store: a persistent map from
// (hashKey, segment.From) to SegmentStatus. A missing entry means "never
// attempted"; the store is the sole authority on whether a segment's
// chunks are trustworthy.
type statusStore struct {
	store rangetable.Store
}

func newStatusStore(store rangetable.Store) *statusStore {
	return &statusStore{store: store}
}

func (s *statusStore) get(segK SegmentedKey) (common.SegmentStatus, error) {
	v, ok, err := s.store.Get(segK.HashKey, segK.Segment.From)
	if err != nil {
		return common.StatusUnknown, err
	}
	if !ok || len(v) == 0 {
		return common.StatusUnknown, nil
	}
	return common.SegmentStatus(v[0]), nil
}

func (s *statusStore) put(segK SegmentedKey, status common.SegmentStatus) error {
	return s.store.Put(segK.HashKey, segK.Segment.From, []byte{byte(status)})
}

// delete removes the status row for segK. A failure here during an open
// range scan elsewhere is reported by callers as common.ErrCorrupt, since
// a half-deleted status table violates the store's "status is
// authoritative" contract.
func (s *statusStore) delete(segK SegmentedKey) error {
	if err := s.store.Delete(segK.HashKey, segK.Segment.From); err != nil {
		return common.ErrCorrupt
	}
	return nil
}

// ascend calls fn for every (TimeRange.From, status) row of hashKey in
// [lo, hi], ascending.
func (s *statusStore) ascend(ctx context.Context, hashKey string, lo, hi common.FDate, fn func(from common.FDate, status common.SegmentStatus) (bool, error)) error {
	return s.store.Ascend(ctx, hashKey, lo, hi, func(from common.FDate, v []byte) (bool, error) {
		if len(v) == 0 {
			return true, nil
		}
		return fn(from, common.SegmentStatus(v[0]))
	})
}

// deleteRange removes every status row of hashKey in [lo, hi].
func (s *statusStore) deleteRange(hashKey string, lo, hi common.FDate) error {
	return s.store.DeleteRange(hashKey, lo, hi)
}
