// Package rangetable provides the ordered, persistent (hashKey, from FDate)
// key-value collaborator used by both the per-key segment table and the
// segment status store: an external structure capable of exact lookup and
// ordered range scans over composite keys, backed by an embedded B+tree.
package rangetable

import (
	"context"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

// Store is an ordered map from an encoded (hashKey, from) composite key to
// an opaque value blob, scoped to one bucket (one logical table) per Store
// instance. Implementations must support exact get/put/delete plus ordered
// forward and reverse range scans.
type Store interface {
	// Get returns the value stored at key, or (nil, false) if absent.
	Get(hashKey string, from common.FDate) ([]byte, bool, error)
	// Put stores value at key, overwriting any existing entry.
	Put(hashKey string, from common.FDate, value []byte) error
	// Delete removes the entry at key, if present.
	Delete(hashKey string, from common.FDate) error
	// DeleteRange removes every entry for hashKey with from in [lo, hi].
	DeleteRange(hashKey string, lo, hi common.FDate) error
	// Ascend calls fn for every entry of hashKey with from in [lo, hi],
	// in ascending order, until fn returns false or an error.
	Ascend(ctx context.Context, hashKey string, lo, hi common.FDate, fn func(from common.FDate, value []byte) (bool, error)) error
	// Descend calls fn for every entry of hashKey with from in [lo, hi],
	// in descending order, until fn returns false or an error.
	Descend(ctx context.Context, hashKey string, lo, hi common.FDate, fn func(from common.FDate, value []byte) (bool, error)) error
	// First returns the entry with the smallest from for hashKey.
	First(hashKey string) (from common.FDate, value []byte, ok bool, err error)
	// Last returns the entry with the largest from for hashKey.
	Last(hashKey string) (from common.FDate, value []byte, ok bool, err error)
	// IsEmpty reports whether hashKey has no entries at all.
	IsEmpty(hashKey string) (bool, error)
	// Close releases underlying resources.
	Close() error
}
