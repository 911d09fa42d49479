package rangetable

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

// BboltStore implements Store on top of an embedded bbolt database, one
// bucket per table. bbolt keeps keys in byte-sorted order within a bucket,
// which is exactly the ordering encodeKey relies on for range scans.
type BboltStore struct {
	db     *bolt.DB
	bucket []byte
}

// OpenBboltStore opens (creating if absent) the bbolt database at path and
// returns a Store backed by the named bucket.
func OpenBboltStore(path string, bucket string) (*BboltStore, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: common.DefaultWriteLockTimeout})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BboltStore{db: db, bucket: []byte(bucket)}, nil
}

func (s *BboltStore) Get(hashKey string, from common.FDate) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		v := b.Get(encodeKey(hashKey, from))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, value != nil, err
}

func (s *BboltStore) Put(hashKey string, from common.FDate, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		return b.Put(encodeKey(hashKey, from), value)
	})
}

func (s *BboltStore) Delete(hashKey string, from common.FDate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		return b.Delete(encodeKey(hashKey, from))
	})
}

func (s *BboltStore) DeleteRange(hashKey string, lo, hi common.FDate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		c := b.Cursor()
		loKey := encodeKey(hashKey, lo)
		hiKey := encodeKey(hashKey, hi)
		var toDelete [][]byte
		for k, _ := c.Seek(loKey); k != nil && bytes.Compare(k, hiKey) <= 0; k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BboltStore) Ascend(ctx context.Context, hashKey string, lo, hi common.FDate, fn func(common.FDate, []byte) (bool, error)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		c := b.Cursor()
		loKey := encodeKey(hashKey, lo)
		hiKey := encodeKey(hashKey, hi)
		for k, v := c.Seek(loKey); k != nil && bytes.Compare(k, hiKey) <= 0; k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			from, err := decodeFrom(k, hashKey)
			if err != nil {
				return err
			}
			cont, err := fn(from, v)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

func (s *BboltStore) Descend(ctx context.Context, hashKey string, lo, hi common.FDate, fn func(common.FDate, []byte) (bool, error)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		c := b.Cursor()
		loKey := encodeKey(hashKey, lo)
		hiKey := encodeKey(hashKey, hi)

		k, v := c.Seek(hiKey)
		if k == nil || bytes.Compare(k, hiKey) > 0 {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.Compare(k, loKey) >= 0; k, v = c.Prev() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			from, err := decodeFrom(k, hashKey)
			if err != nil {
				return err
			}
			cont, err := fn(from, v)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

func (s *BboltStore) First(hashKey string) (common.FDate, []byte, bool, error) {
	var from common.FDate
	var value []byte
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		c := b.Cursor()
		prefix := hashKeyPrefix(hashKey)
		k, v := c.Seek(prefix)
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}
		var err error
		from, err = decodeFrom(k, hashKey)
		if err != nil {
			return err
		}
		value = append([]byte(nil), v...)
		ok = true
		return nil
	})
	return from, value, ok, err
}

func (s *BboltStore) Last(hashKey string) (common.FDate, []byte, bool, error) {
	var from common.FDate
	var value []byte
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		c := b.Cursor()
		prefix := hashKeyPrefix(hashKey)
		upper := prefixUpperBound(prefix)
		var k, v []byte
		if upper == nil {
			k, v = c.Last()
		} else {
			k, v = c.Seek(upper)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}
		var err error
		from, err = decodeFrom(k, hashKey)
		if err != nil {
			return err
		}
		value = append([]byte(nil), v...)
		ok = true
		return nil
	})
	return from, value, ok, err
}

func (s *BboltStore) IsEmpty(hashKey string) (bool, error) {
	_, _, ok, err := s.First(hashKey)
	return !ok, err
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

func decodeFrom(key []byte, hashKey string) (common.FDate, error) {
	prefix := hashKeyPrefix(hashKey)
	if len(key) != len(prefix)+8 {
		return common.FDate{}, common.ErrCorrupt
	}
	nanos := int64(binary.BigEndian.Uint64(key[len(prefix):]))
	return common.NewFDate(time.Unix(0, nanos)), nil
}
