package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const DefaultMemorySize = 10_000

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a bounded LRU with per-entry expiry.
type MemoryCache struct {
	lru *expirable.LRU[string, memoryEntry]
	now func() time.Time
}

func NewMemoryCache(size int) *MemoryCache {
	if size <= 0 {
		size = DefaultMemorySize
	}
	// Entries carry their own deadline, so the LRU-wide TTL is disabled.
	return &MemoryCache{
		lru: expirable.NewLRU[string, memoryEntry](size, nil, 0),
		now: time.Now,
	}
}

func (m *MemoryCache) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	k, err := entryKey(namespace, key)
	if err != nil {
		return nil, false, err
	}
	entry, ok := m.lru.Get(k)
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(entry.expiresAt) {
		m.lru.Remove(k)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryCache) Set(_ context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	k, err := entryKey(namespace, key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		m.lru.Remove(k)
		return nil
	}
	copied := append([]byte(nil), value...)
	m.lru.Add(k, memoryEntry{value: copied, expiresAt: m.now().Add(ttl)})
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, namespace string, keys ...string) error {
	for _, key := range keys {
		k, err := entryKey(namespace, key)
		if err != nil {
			return err
		}
		m.lru.Remove(k)
	}
	return nil
}

func (m *MemoryCache) Health(context.Context) Health {
	return HealthHealthy
}

func (m *MemoryCache) Len() int {
	return m.lru.Len()
}
