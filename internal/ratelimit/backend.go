package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// WindowResult reports a window counter after the call. Count never
// exceeds the limit because denied requests are not recorded.
type WindowResult struct {
	Allowed bool
	Count   int64
	ResetAt time.Time
}

// BucketResult carries the bucket level in thousandths of a token.
type BucketResult struct {
	Allowed     bool
	MilliTokens int64
}

func (r BucketResult) Tokens() int64 {
	return r.MilliTokens / milliPerToken
}

type BlockRecord struct {
	IdentifierHash string    `json:"identifier_hash"`
	Scope          Scope     `json:"scope"`
	BlockedAt      time.Time `json:"blocked_at"`
	BlockedUntil   time.Time `json:"blocked_until"`
	Reason         string    `json:"reason"`
}

func (b BlockRecord) Active(now time.Time) bool {
	return now.Before(b.BlockedUntil)
}

// Backend holds limiter state. Each counting method is a single atomic
// step per key; now is always supplied by the caller so every node agrees
// on window boundaries regardless of the store's own clock.
type Backend interface {
	FixedWindow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (WindowResult, error)
	SlidingWindow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time, member string) (WindowResult, error)
	TokenBucket(ctx context.Context, key string, capacity int64, refillPerSecond float64, now time.Time) (BucketResult, error)

	PeekFixedWindow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (WindowResult, error)
	PeekSlidingWindow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (WindowResult, error)
	PeekTokenBucket(ctx context.Context, key string, capacity int64, refillPerSecond float64, now time.Time) (BucketResult, error)

	Block(ctx context.Context, key string, record BlockRecord, now time.Time) error
	// GetBlock returns nil when no record exists or it has lapsed at now.
	GetBlock(ctx context.Context, key string, now time.Time) (*BlockRecord, error)
	// Reset deletes keys and reports how many existed.
	Reset(ctx context.Context, keys ...string) (int64, error)
}

const milliPerToken = 1000

// windowStart aligns fixed windows to the unix epoch.
func windowStart(now time.Time, window time.Duration) time.Time {
	ms := window.Milliseconds()
	if ms <= 0 {
		return now
	}
	at := now.UnixMilli()
	return time.UnixMilli(at - at%ms).UTC()
}

func fixedWindowKey(key string, window time.Duration, now time.Time) string {
	return fmt.Sprintf("%s:%d", key, windowStart(now, window).UnixMilli())
}

func bucketTTL(capacity int64, refillPerSecond float64) time.Duration {
	if capacity <= 0 || refillPerSecond <= 0 {
		return time.Second
	}
	ttl := time.Duration(float64(capacity)/refillPerSecond*2) * time.Second
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
