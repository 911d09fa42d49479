package tsdb

import (
	"sync"
	"time"
)

// segmentLock is the single read/write lock object shared, by identity,
// between the Per-Key Segment Table and the Segment Lifecycle Manager for
// one segment. monitor is an intrinsic-mutex stand-in: acquiring it first
// serializes every contender so that the bounded-timeout write-lock
// attempt below never has to compete against a fellow waiter that arrived
// after it, the same ordering guarantee a Java `synchronized` block plus
// `ReentrantReadWriteLock.tryLock` gives.
type segmentLock struct {
	monitor sync.Mutex
	rw      sync.RWMutex
}

// RLock blocks acquiring the read side; used to observe segment status.
func (l *segmentLock) RLock()   { l.rw.RLock() }
func (l *segmentLock) RUnlock() { l.rw.RUnlock() }

// TryLockTimeout attempts to acquire the write lock within d, returning
// false on timeout. sync.RWMutex has no native timed Lock, so this spawns
// a goroutine to perform the blocking Lock call; on timeout that goroutine
// is abandoned and will release the lock itself once it eventually
// acquires it, so the mutex is never left held by nothing.
func (l *segmentLock) TryLockTimeout(d time.Duration) bool {
	acquired := make(chan struct{})
	go func() {
		l.rw.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return true
	case <-time.After(d):
		go func() {
			<-acquired
			l.rw.Unlock()
		}()
		return false
	}
}

func (l *segmentLock) Unlock() { l.rw.Unlock() }

// WithMonitor runs fn while holding the intrinsic monitor, the way
// maybeInitSegment serializes all candidates for one segment before any of
// them attempts the timed write-lock upgrade.
func (l *segmentLock) WithMonitor(fn func()) {
	l.monitor.Lock()
	defer l.monitor.Unlock()
	fn()
}

// lockRegistry hands out one *segmentLock per SegmentedKey, for the
// lifetime of the process, the way the source keeps one lock object per
// segment alive as long as any caller might reference it.
type lockRegistry struct {
	locks sync.Map // SegmentedKey -> *segmentLock
}

func (r *lockRegistry) get(segK SegmentedKey) *segmentLock {
	v, _ := r.locks.LoadOrStore(segK, &segmentLock{})
	return v.(*segmentLock)
}
