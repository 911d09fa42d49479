package rangetable

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

func openTestStore(t *testing.T) *BboltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenBboltStore(filepath.Join(dir, "test.db"), "bucket")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fdate(seconds int64) common.FDate {
	return common.NewFDate(time.Unix(seconds, 0))
}

func TestGetPutDelete(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.Get("k1", fdate(100)); err != nil || ok {
		t.Fatalf("expected absent entry, got ok=%v err=%v", ok, err)
	}

	if err := s.Put("k1", fdate(100), []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok, err := s.Get("k1", fdate(100))
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("expected v1, got %q ok=%v err=%v", v, ok, err)
	}

	if err := s.Delete("k1", fdate(100)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get("k1", fdate(100)); ok {
		t.Fatalf("expected entry gone after delete")
	}
}

func TestAscendDescendOrdering(t *testing.T) {
	s := openTestStore(t)
	times := []int64{10, 30, 20, 50, 40}
	for _, sec := range times {
		if err := s.Put("series", fdate(sec), []byte{byte(sec)}); err != nil {
			t.Fatalf("put %d: %v", sec, err)
		}
	}

	ctx := context.Background()
	var ascending []int64
	err := s.Ascend(ctx, "series", fdate(0), fdate(100), func(from common.FDate, v []byte) (bool, error) {
		ascending = append(ascending, from.Time().Unix())
		return true, nil
	})
	if err != nil {
		t.Fatalf("ascend: %v", err)
	}
	wantAsc := []int64{10, 20, 30, 40, 50}
	if !int64SliceEqual(ascending, wantAsc) {
		t.Fatalf("ascend order: want %v, got %v", wantAsc, ascending)
	}

	var descending []int64
	err = s.Descend(ctx, "series", fdate(0), fdate(100), func(from common.FDate, v []byte) (bool, error) {
		descending = append(descending, from.Time().Unix())
		return true, nil
	})
	if err != nil {
		t.Fatalf("descend: %v", err)
	}
	wantDesc := []int64{50, 40, 30, 20, 10}
	if !int64SliceEqual(descending, wantDesc) {
		t.Fatalf("descend order: want %v, got %v", wantDesc, descending)
	}
}

func TestAscendRespectsBounds(t *testing.T) {
	s := openTestStore(t)
	for _, sec := range []int64{10, 20, 30, 40, 50} {
		if err := s.Put("series", fdate(sec), []byte{byte(sec)}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	ctx := context.Background()
	var got []int64
	err := s.Ascend(ctx, "series", fdate(15), fdate(35), func(from common.FDate, v []byte) (bool, error) {
		got = append(got, from.Time().Unix())
		return true, nil
	})
	if err != nil {
		t.Fatalf("ascend: %v", err)
	}
	want := []int64{20, 30}
	if !int64SliceEqual(got, want) {
		t.Fatalf("bounded ascend: want %v, got %v", want, got)
	}
}

func TestFirstLastIsEmpty(t *testing.T) {
	s := openTestStore(t)
	empty, err := s.IsEmpty("series")
	if err != nil || !empty {
		t.Fatalf("expected empty series, got empty=%v err=%v", empty, err)
	}

	for _, sec := range []int64{30, 10, 20} {
		if err := s.Put("series", fdate(sec), []byte{byte(sec)}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	from, _, ok, err := s.First("series")
	if err != nil || !ok || from.Time().Unix() != 10 {
		t.Fatalf("first: want 10, got %v ok=%v err=%v", from, ok, err)
	}
	from, _, ok, err = s.Last("series")
	if err != nil || !ok || from.Time().Unix() != 30 {
		t.Fatalf("last: want 30, got %v ok=%v err=%v", from, ok, err)
	}

	empty, err = s.IsEmpty("series")
	if err != nil || empty {
		t.Fatalf("expected non-empty series, got empty=%v err=%v", empty, err)
	}
}

func TestDeleteRange(t *testing.T) {
	s := openTestStore(t)
	for _, sec := range []int64{10, 20, 30, 40, 50} {
		if err := s.Put("series", fdate(sec), []byte{byte(sec)}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := s.DeleteRange("series", fdate(15), fdate(35)); err != nil {
		t.Fatalf("deleteRange: %v", err)
	}
	ctx := context.Background()
	var remaining []int64
	err := s.Ascend(ctx, "series", fdate(0), fdate(100), func(from common.FDate, v []byte) (bool, error) {
		remaining = append(remaining, from.Time().Unix())
		return true, nil
	})
	if err != nil {
		t.Fatalf("ascend: %v", err)
	}
	want := []int64{10, 40, 50}
	if !int64SliceEqual(remaining, want) {
		t.Fatalf("after deleteRange: want %v, got %v", want, remaining)
	}
}

func TestDistinctHashKeysDoNotCollide(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put("a", fdate(10), []byte("a-value")); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := s.Put("ab", fdate(10), []byte("ab-value")); err != nil {
		t.Fatalf("put ab: %v", err)
	}
	v, ok, err := s.Get("a", fdate(10))
	if err != nil || !ok || string(v) != "a-value" {
		t.Fatalf("expected a-value, got %q ok=%v err=%v", v, ok, err)
	}
	v, ok, err = s.Get("ab", fdate(10))
	if err != nil || !ok || string(v) != "ab-value" {
		t.Fatalf("expected ab-value, got %q ok=%v err=%v", v, ok, err)
	}
}

func int64SliceEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
