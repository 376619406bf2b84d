package tablesm

import (
	"sync"
	"time"
)

// Cache is an in-memory TTL map, local to each node and never
// replicated (the payload_kind enum has no CacheOp). TTL is swept
// lazily on access and by an explicit SweepExpired call on a coarse
// timer.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	nowFunc func() time.Time
}

type cacheEntry struct {
	value    []byte
	deadline time.Time
}

func NewCache() *Cache {
	return &Cache{entries: map[string]cacheEntry{}, nowFunc: time.Now}
}

func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, deadline: c.nowFunc().Add(ttl)}
}

func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.nowFunc().After(e.deadline) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *Cache) SweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	for k, e := range c.entries {
		if now.After(e.deadline) {
			delete(c.entries, k)
		}
	}
}

// RateLimiter is a fixed-window limiter keyed by (subject, window),
// built directly on Cache: each window's counter is a cache entry whose
// TTL is the window length, so expiry resets the count for free.
type RateLimiter struct {
	cache  *Cache
	limit  int
	window time.Duration
	mu     sync.Mutex
	counts map[string]int
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{cache: NewCache(), limit: limit, window: window, counts: map[string]int{}}
}

// Allow reports whether subject may proceed under the current window,
// incrementing its counter as a side effect.
func (r *RateLimiter) Allow(subject string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache.Get(subject); !ok {
		r.cache.Set(subject, []byte{}, r.window)
		r.counts[subject] = 0
	}
	r.counts[subject]++
	return r.counts[subject] <= r.limit
}
