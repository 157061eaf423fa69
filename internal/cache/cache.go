package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Cache memoizes expensive computations by key. Concurrent GetOrCompute
// calls for the same key share a single in-flight computation: every waiter
// receives the one result, and a failed computation is handed to all of them
// without ever being cached.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	bounded *lru.Cache[string, entry[V]]
	group   singleflight.Group
	ttl     time.Duration

	hits      int64
	misses    int64
	evictions int64
}

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Stats is a point-in-time view of cache counters. Evictions counts entries
// dropped for any reason: capacity pressure, expiry, or invalidation.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// New builds a cache. A capacity of zero means unbounded; a ttl of zero
// means entries never expire.
func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	c := &Cache[V]{ttl: ttl}
	if capacity > 0 {
		bounded, _ := lru.NewWithEvict(capacity, func(string, entry[V]) {
			c.mu.Lock()
			c.evictions++
			c.mu.Unlock()
		})
		c.bounded = bounded
	} else {
		c.entries = make(map[string]entry[V])
	}
	return c
}

// GetOrCompute returns the cached value for key, or runs compute to produce
// it. The returned flag reports whether the value came from the cache. The
// context of the caller that starts a computation governs that computation;
// callers that join it share its outcome.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (V, error)) (V, bool, error) {
	if v, ok := c.lookup(key); ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return v, true, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another flight may have finished between lookup and Do.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		val, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.put(key, val)
		return val, nil
	})

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()

	if err != nil {
		var zero V
		return zero, false, err
	}
	return v.(V), false, nil
}

// Get returns the cached value for key without computing anything.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.lookup(key)
	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	return v, ok
}

// Put stores a value directly, bypassing computation.
func (c *Cache[V]) Put(key string, value V) {
	c.put(key, value)
}

// Invalidate drops key from the cache.
func (c *Cache[V]) Invalidate(key string) {
	if c.bounded != nil {
		c.bounded.Remove(key)
		return
	}
	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.evictions++
	}
	c.mu.Unlock()
}

// Purge drops every entry. Counters survive.
func (c *Cache[V]) Purge() {
	if c.bounded != nil {
		c.bounded.Purge()
		return
	}
	c.mu.Lock()
	c.evictions += int64(len(c.entries))
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
}

func (c *Cache[V]) Len() int {
	if c.bounded != nil {
		return c.bounded.Len()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) Stats() Stats {
	size := c.Len()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      size,
	}
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	var zero V

	if c.bounded != nil {
		e, ok := c.bounded.Get(key)
		if !ok {
			return zero, false
		}
		if c.expired(e) {
			c.bounded.Remove(key)
			return zero, false
		}
		return e.value, true
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && c.expired(e) {
		delete(c.entries, key)
		c.evictions++
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) put(key string, value V) {
	e := entry[V]{value: value, storedAt: time.Now()}
	if c.bounded != nil {
		c.bounded.Add(key, e)
		return
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

func (c *Cache[V]) expired(e entry[V]) bool {
	return c.ttl > 0 && time.Since(e.storedAt) > c.ttl
}
