package tsdb

import (
	"container/list"
	"sync"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

// lookupCache is a bounded, in-memory cache from an arbitrary comparable
// key to a serialized value (or an explicit "no value" miss marker), used
// to memoize getLatestValue/getPreviousValue/getNextValue. Serialized
// bytes rather than V are stored so a round trip through the cache is
// unambiguous with a round trip through the chunk codec.
type lookupCache struct {
	mu       sync.Mutex
	maxSize  int
	eviction EvictionMode
	lruList  *list.List
	entries  map[interface{}]*list.Element
}

type cacheEntry struct {
	key   interface{}
	value []byte
	miss  bool
}

func newLookupCache(maxSize int, eviction EvictionMode) *lookupCache {
	if maxSize <= 0 {
		maxSize = common.DefaultLookupCacheSize
	}
	return &lookupCache{
		maxSize:  maxSize,
		eviction: eviction,
		lruList:  list.New(),
		entries:  make(map[interface{}]*list.Element),
	}
}

// get returns (value, miss, found): found is false if key was never
// cached; when found is true, miss reports whether the cached outcome was
// itself "no value" (a memoized lookup failure).
func (c *lookupCache) get(key interface{}) ([]byte, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}
	c.lruList.MoveToFront(el)
	entry := el.Value.(*cacheEntry)
	return entry.value, entry.miss, true
}

// put memoizes value for key; pass miss=true to cache a lookup failure.
func (c *lookupCache) put(key interface{}, value []byte, miss bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.lruList.MoveToFront(el)
		el.Value.(*cacheEntry).value = value
		el.Value.(*cacheEntry).miss = miss
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evict()
	}

	el := c.lruList.PushFront(&cacheEntry{key: key, value: value, miss: miss})
	c.entries[key] = el
}

func (c *lookupCache) evict() {
	switch c.eviction {
	case EvictionClearHalf:
		n := c.lruList.Len() / 2
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			c.evictOldest()
		}
	default: // EvictionLRU
		c.evictOldest()
	}
}

func (c *lookupCache) evictOldest() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	c.lruList.Remove(back)
	delete(c.entries, back.Value.(*cacheEntry).key)
}

// clear empties the cache; called whenever underlying data changes
// (prepareForUpdate, deleteAll).
func (c *lookupCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lruList = list.New()
	c.entries = make(map[interface{}]*list.Element)
}
