package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TTLCache is a typed in-process LRU with per-entry expiry.
type TTLCache[K comparable, V any] struct {
	lru *expirable.LRU[K, ttlEntry[V]]
	now func() time.Time
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTLCache returns a cache holding at most maxSize entries; zero means
// unbounded. When full, the least recently used entry is evicted.
func NewTTLCache[K comparable, V any](maxSize int) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		lru: expirable.NewLRU[K, ttlEntry[V]](maxSize, nil, 0),
		now: time.Now,
	}
}

// WithClock swaps the time source, for tests.
func (c *TTLCache[K, V]) WithClock(now func() time.Time) *TTLCache[K, V] {
	c.now = now
	return c
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V
	entry, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.lru.Remove(key)
		return zero, false
	}
	return entry.value, true
}

func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.lru.Add(key, ttlEntry[V]{value: value, expiresAt: c.now().Add(ttl)})
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.lru.Remove(key)
}

func (c *TTLCache[K, V]) Len() int {
	return c.lru.Len()
}
