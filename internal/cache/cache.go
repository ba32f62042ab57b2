// Package cache holds values keyed by K together with the time they were last
// touched, and evicts entries that stayed idle longer than a TTL.
//
// The map is guarded by one short-held lock; callers that mutate a cached
// value are expected to synchronize on the value itself.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value       V
	lastTouched time.Time
}

type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	ttl     time.Duration
	now     func() time.Time
	onEvict func(K, V)
}

// New returns a cache evicting entries idle for longer than ttl. A ttl of zero
// disables eviction.
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		entries: map[K]*entry[V]{},
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (c *Cache[K, V]) WithClock(now func() time.Time) *Cache[K, V] {
	c.now = now
	return c
}

// OnEvict registers fn to run, outside the cache lock, for every entry
// dropped because it went idle or was removed by Clear.
func (c *Cache[K, V]) OnEvict(fn func(K, V)) *Cache[K, V] {
	c.onEvict = fn
	return c
}

// Get returns the value for key and marks it as touched. An entry idle for
// longer than the TTL is dropped and reported as missing.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return zero, false
	}
	now := c.now()
	if c.expired(e, now) {
		delete(c.entries, key)
		c.mu.Unlock()
		c.evicted(key, e.value)
		return zero, false
	}
	e.lastTouched = now
	c.mu.Unlock()
	return e.value, true
}

func (c *Cache[K, V]) evicted(key K, value V) {
	if c.onEvict != nil {
		c.onEvict(key, value)
	}
}

func (c *Cache[K, V]) expired(e *entry[V], now time.Time) bool {
	return c.ttl > 0 && e.lastTouched.Before(now.Add(-c.ttl))
}

// Put stores value under key. An existing entry is replaced.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry[V]{value: value, lastTouched: c.now()}
}

// PutIfAbsent stores value unless key is already present, and returns the
// value that ends up cached.
func (c *Cache[K, V]) PutIfAbsent(key K, value V) V {
	c.mu.Lock()
	now := c.now()
	e, ok := c.entries[key]
	if ok && !c.expired(e, now) {
		e.lastTouched = now
		c.mu.Unlock()
		return e.value
	}
	c.entries[key] = &entry[V]{value: value, lastTouched: now}
	c.mu.Unlock()
	if ok {
		c.evicted(key, e.value)
	}
	return value
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Sweep removes every entry untouched for longer than the TTL and returns how
// many were removed.
func (c *Cache[K, V]) Sweep() int {
	if c.ttl <= 0 {
		return 0
	}

	c.mu.Lock()
	now := c.now()
	var gone []K
	var values []V
	for key, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, key)
			gone = append(gone, key)
			values = append(values, e.value)
		}
	}
	c.mu.Unlock()

	for i := range gone {
		c.evicted(gone[i], values[i])
	}
	return len(gone)
}

// Clear removes every entry, running the eviction callback for each.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	entries := c.entries
	c.entries = map[K]*entry[V]{}
	c.mu.Unlock()

	for key, e := range entries {
		c.evicted(key, e.value)
	}
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
