package github

import (
	"container/list"
	"sync"
	"time"
)

// responseCache holds converted API responses keyed by request signature.
// Entries expire after ttl. When full, the entry inserted first is evicted,
// regardless of how recently it was read.
type responseCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	now   func() time.Time
	order *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	key     string
	value   any
	expires time.Time
}

func newResponseCache(ttl time.Duration, max int, now func() time.Time) *responseCache {
	return &responseCache{
		ttl:   ttl,
		max:   max,
		now:   now,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (c *responseCache) enabled() bool {
	return c.ttl > 0 && c.max > 0
}

func (c *responseCache) get(key string) (any, bool) {
	if !c.enabled() {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if !c.now().Before(entry.expires) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	return entry.value, true
}

// set stores value under key. Overwriting an existing key refreshes its
// value and expiry but keeps its insertion position.
func (c *responseCache) set(key string, value any) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.expires = expires
		return
	}
	for c.order.Len() >= c.max {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
	c.items[key] = c.order.PushBack(&cacheEntry{key: key, value: value, expires: expires})
}

func (c *responseCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
