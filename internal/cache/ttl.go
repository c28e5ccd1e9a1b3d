// Package cache provides a small in-process key/value cache with a fixed
// time-to-live per cache instance.
package cache

import (
	"sync"
	"time"
)

// TTL stores values for a fixed duration after their last write. An entry
// whose age has reached the TTL is treated as absent. Expired entries are
// dropped lazily on read and in bulk by [TTL.Cleanup].
type TTL[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	ttl     time.Duration
	now     func() time.Time
}

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

// New returns an empty cache whose entries live for ttl.
func New[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{
		entries: make(map[K]entry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (c *TTL[K, V]) WithClock(now func() time.Time) *TTL[K, V] {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

func (c *TTL[K, V]) expired(e entry[V], now time.Time) bool {
	return now.Sub(e.insertedAt) >= c.ttl
}

// Get returns the cached value for key if it is present and fresh.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	now := c.now()
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if c.expired(e, now) {
		c.mu.Lock()
		if stale, exists := c.entries[key]; exists && c.expired(stale, now) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with a fresh timestamp, replacing any
// previous entry.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, insertedAt: c.now()}
	c.mu.Unlock()
}

// Delete removes key from the cache.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *TTL[K, V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()
}

// Len returns the number of stored entries, fresh or not.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Cleanup evicts expired entries and returns how many were removed.
func (c *TTL[K, V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}
