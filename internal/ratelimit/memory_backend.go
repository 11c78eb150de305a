package ratelimit

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	memoryShards     = 64
	memorySweepEvery = 1024
)

type memoryItem struct {
	expiresAt time.Time

	count       int64
	timestamps  []int64
	milliTokens int64
	refilledAt  int64
	block       *BlockRecord
}

func (i *memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

type memoryShard struct {
	mu     sync.Mutex
	items  map[string]*memoryItem
	writes int
}

// MemoryBackend keeps limiter state in process. Keys are spread over
// striped locks so unrelated identifiers do not contend. Only suitable when
// a single instance serves traffic.
type MemoryBackend struct {
	shards [memoryShards]*memoryShard
}

func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{}
	for i := range b.shards {
		b.shards[i] = &memoryShard{items: make(map[string]*memoryItem)}
	}
	return b
}

func (b *MemoryBackend) shard(key string) *memoryShard {
	return b.shards[xxhash.Sum64String(key)%memoryShards]
}

// with runs fn holding the shard lock. fn receives the live item (nil when
// absent or expired) and returns the item to store, or nil to delete.
func (b *MemoryBackend) with(key string, now time.Time, fn func(item *memoryItem) *memoryItem) {
	s := b.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.items[key]
	if item != nil && item.expired(now) {
		item = nil
	}
	next := fn(item)
	if next == nil {
		delete(s.items, key)
		return
	}
	s.items[key] = next

	s.writes++
	if s.writes >= memorySweepEvery {
		s.writes = 0
		for k, v := range s.items {
			if v.expired(now) {
				delete(s.items, k)
			}
		}
	}
}

func (b *MemoryBackend) view(key string, now time.Time, fn func(item *memoryItem)) {
	s := b.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.items[key]
	if item != nil && item.expired(now) {
		item = nil
	}
	fn(item)
}

func (b *MemoryBackend) FixedWindow(_ context.Context, key string, limit int64, window time.Duration, now time.Time) (WindowResult, error) {
	start := windowStart(now, window)
	res := WindowResult{ResetAt: start.Add(window)}
	b.with(fixedWindowKey(key, window, now), now, func(item *memoryItem) *memoryItem {
		if item == nil {
			item = &memoryItem{expiresAt: start.Add(window)}
		}
		if item.count < limit {
			item.count++
			res.Allowed = true
		}
		res.Count = item.count
		return item
	})
	return res, nil
}

func (b *MemoryBackend) PeekFixedWindow(_ context.Context, key string, limit int64, window time.Duration, now time.Time) (WindowResult, error) {
	res := WindowResult{ResetAt: windowStart(now, window).Add(window)}
	b.view(fixedWindowKey(key, window, now), now, func(item *memoryItem) {
		if item != nil {
			res.Count = item.count
		}
	})
	res.Allowed = res.Count < limit
	return res, nil
}

func (b *MemoryBackend) SlidingWindow(_ context.Context, key string, limit int64, window time.Duration, now time.Time, _ string) (WindowResult, error) {
	var res WindowResult
	nowMs := now.UnixMilli()
	b.with(key, now, func(item *memoryItem) *memoryItem {
		if item == nil {
			item = &memoryItem{}
		}
		item.timestamps = trimWindow(item.timestamps, nowMs-window.Milliseconds())
		if int64(len(item.timestamps)) < limit {
			item.timestamps = append(item.timestamps, nowMs)
			res.Allowed = true
		}
		res.Count = int64(len(item.timestamps))
		res.ResetAt = slidingReset(item.timestamps, now, window)
		item.expiresAt = now.Add(window)
		return item
	})
	return res, nil
}

func (b *MemoryBackend) PeekSlidingWindow(_ context.Context, key string, limit int64, window time.Duration, now time.Time) (WindowResult, error) {
	var res WindowResult
	nowMs := now.UnixMilli()
	b.view(key, now, func(item *memoryItem) {
		var live []int64
		if item != nil {
			live = item.timestamps[sort.Search(len(item.timestamps), func(i int) bool {
				return item.timestamps[i] > nowMs-window.Milliseconds()
			}):]
		}
		res.Count = int64(len(live))
		res.ResetAt = slidingReset(live, now, window)
	})
	res.Allowed = res.Count < limit
	return res, nil
}

func (b *MemoryBackend) TokenBucket(_ context.Context, key string, capacity int64, refillPerSecond float64, now time.Time) (BucketResult, error) {
	var res BucketResult
	b.with(key, now, func(item *memoryItem) *memoryItem {
		item = refill(item, capacity, refillPerSecond, now)
		if item.milliTokens >= milliPerToken {
			item.milliTokens -= milliPerToken
			res.Allowed = true
		}
		res.MilliTokens = item.milliTokens
		item.expiresAt = now.Add(bucketTTL(capacity, refillPerSecond))
		return item
	})
	return res, nil
}

func (b *MemoryBackend) PeekTokenBucket(_ context.Context, key string, capacity int64, refillPerSecond float64, now time.Time) (BucketResult, error) {
	var res BucketResult
	b.view(key, now, func(item *memoryItem) {
		var snapshot *memoryItem
		if item != nil {
			copied := *item
			snapshot = &copied
		}
		snapshot = refill(snapshot, capacity, refillPerSecond, now)
		res.MilliTokens = snapshot.milliTokens
		res.Allowed = snapshot.milliTokens >= milliPerToken
	})
	return res, nil
}

func (b *MemoryBackend) Block(_ context.Context, key string, record BlockRecord, now time.Time) error {
	if !record.Active(now) {
		return nil
	}
	b.with(key, now, func(*memoryItem) *memoryItem {
		r := record
		return &memoryItem{expiresAt: record.BlockedUntil, block: &r}
	})
	return nil
}

func (b *MemoryBackend) GetBlock(_ context.Context, key string, now time.Time) (*BlockRecord, error) {
	var out *BlockRecord
	b.view(key, now, func(item *memoryItem) {
		if item != nil && item.block != nil && item.block.Active(now) {
			r := *item.block
			out = &r
		}
	})
	return out, nil
}

func (b *MemoryBackend) Reset(_ context.Context, keys ...string) (int64, error) {
	var deleted int64
	for _, key := range keys {
		s := b.shard(key)
		s.mu.Lock()
		if _, ok := s.items[key]; ok {
			delete(s.items, key)
			deleted++
		}
		s.mu.Unlock()
	}
	return deleted, nil
}

// trimWindow drops timestamps at or before cutoff. Timestamps are appended
// in call order, which is non-decreasing for a single clock.
func trimWindow(timestamps []int64, cutoff int64) []int64 {
	idx := sort.Search(len(timestamps), func(i int) bool { return timestamps[i] > cutoff })
	if idx == 0 {
		return timestamps
	}
	return append(timestamps[:0], timestamps[idx:]...)
}

func slidingReset(timestamps []int64, now time.Time, window time.Duration) time.Time {
	if len(timestamps) == 0 {
		return now.Add(window)
	}
	return time.UnixMilli(timestamps[0]).UTC().Add(window)
}

func refill(item *memoryItem, capacity int64, refillPerSecond float64, now time.Time) *memoryItem {
	nowMs := now.UnixMilli()
	ceiling := capacity * milliPerToken
	if item == nil {
		return &memoryItem{milliTokens: ceiling, refilledAt: nowMs}
	}
	delta := nowMs - item.refilledAt
	if delta < 0 {
		delta = 0
	}
	gained := int64(math.Floor(float64(delta) * refillPerSecond))
	item.milliTokens = min(ceiling, item.milliTokens+gained)
	item.refilledAt = nowMs
	return item
}
