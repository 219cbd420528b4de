package services

import (
	"sync"
	"time"
)

// Degraded-read cache bounds. Keys are (endpoint, params) strings; overflow
// evicts the oldest written key, not the least recently read one.
const (
	cacheMaxKeys    = 256
	cacheTTL        = 2 * time.Second
	cacheStaleLimit = 10 * time.Minute
)

type cacheEntry struct {
	value     any
	writtenAt time.Time
}

// ReadCache fronts the degraded read path: fresh hits short-circuit the
// store, and a failed load falls back to the last good value when one exists.
type ReadCache struct {
	mu    sync.Mutex
	items map[string]*cacheEntry
	order []string // insertion order for overflow eviction
	now   func() time.Time
}

// NewReadCache creates an empty cache.
func NewReadCache() *ReadCache {
	return &ReadCache{
		items: make(map[string]*cacheEntry),
		now:   time.Now,
	}
}

// Fetch resolves one read through the cache. A fresh entry is served
// directly; otherwise load runs, its result is cached, and on load failure
// the previous value (if any) is served with degraded=true. With nothing
// cached the zero value comes back degraded alongside the load error.
func (c *ReadCache) Fetch(key string, load func() (any, error)) (value any, degraded bool, err error) {
	if v, ok := c.get(key, cacheTTL); ok {
		return v, false, nil
	}

	value, err = load()
	if err == nil {
		c.put(key, value)
		return value, false, nil
	}

	if stale, ok := c.get(key, cacheStaleLimit); ok {
		return stale, true, nil
	}
	return nil, true, err
}

func (c *ReadCache) get(key string, maxAge time.Duration) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.writtenAt) > maxAge {
		return nil, false
	}
	return entry.value, true
}

func (c *ReadCache) put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items[key]; ok {
		entry.value = value
		entry.writtenAt = c.now()
		for i, k := range c.order {
			if k == key {
				c.order = append(append(c.order[:i:i], c.order[i+1:]...), key)
				break
			}
		}
		return
	}

	for len(c.items) >= cacheMaxKeys && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
	c.items[key] = &cacheEntry{value: value, writtenAt: c.now()}
	c.order = append(c.order, key)
}
