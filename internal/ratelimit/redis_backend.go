package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const fixedWindowScript = `
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= limit then
  return {0, current}
end

current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return {1, current}
`

const slidingWindowScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])

local allowed = 0
if count < limit then
  redis.call("ZADD", KEYS[1], now, member)
  redis.call("PEXPIRE", KEYS[1], window)
  count = count + 1
  allowed = 1
end

local reset = now + window
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end

return {allowed, count, reset}
`

// Tokens are stored in thousandths so the state stays integral. ARGV[2] is
// tokens per second, which equals milli-tokens per millisecond. A debit of
// zero reads without writing.
const tokenBucketScript = `
local capacity = tonumber(ARGV[1]) * 1000
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local debit = tonumber(ARGV[5])

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = capacity
  ts = now
end

local delta = now - ts
if delta < 0 then
  delta = 0
end
tokens = math.min(capacity, tokens + math.floor(delta * rate))

local allowed = 0
if debit == 0 then
  if tokens >= 1000 then
    allowed = 1
  end
  return {allowed, tokens}
end

if tokens >= debit then
  allowed = 1
  tokens = tokens - debit
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tokens}
`

type RedisBackend struct {
	client        *redis.Client
	fixedWindow   *redis.Script
	slidingWindow *redis.Script
	tokenBucket   *redis.Script
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{
		client:        client,
		fixedWindow:   redis.NewScript(fixedWindowScript),
		slidingWindow: redis.NewScript(slidingWindowScript),
		tokenBucket:   redis.NewScript(tokenBucketScript),
	}
}

func (b *RedisBackend) FixedWindow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (WindowResult, error) {
	start := windowStart(now, window)
	res, err := b.fixedWindow.Run(
		ctx,
		b.client,
		[]string{fixedWindowKey(key, window, now)},
		limit,
		window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return WindowResult{}, err
	}
	if len(res) < 2 {
		return WindowResult{}, errors.New("invalid fixed window script response")
	}
	return WindowResult{
		Allowed: res[0] == 1,
		Count:   res[1],
		ResetAt: start.Add(window),
	}, nil
}

func (b *RedisBackend) SlidingWindow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time, member string) (WindowResult, error) {
	res, err := b.slidingWindow.Run(
		ctx,
		b.client,
		[]string{key},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		member,
	).Int64Slice()
	if err != nil {
		return WindowResult{}, err
	}
	if len(res) < 3 {
		return WindowResult{}, errors.New("invalid sliding window script response")
	}
	return WindowResult{
		Allowed: res[0] == 1,
		Count:   res[1],
		ResetAt: time.UnixMilli(res[2]).UTC(),
	}, nil
}

func (b *RedisBackend) TokenBucket(ctx context.Context, key string, capacity int64, refillPerSecond float64, now time.Time) (BucketResult, error) {
	return b.runBucket(ctx, key, capacity, refillPerSecond, now, milliPerToken)
}

func (b *RedisBackend) PeekFixedWindow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (WindowResult, error) {
	count, err := b.client.Get(ctx, fixedWindowKey(key, window, now)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return WindowResult{}, err
	}
	return WindowResult{
		Allowed: count < limit,
		Count:   count,
		ResetAt: windowStart(now, window).Add(window),
	}, nil
}

func (b *RedisBackend) PeekSlidingWindow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (WindowResult, error) {
	lower := "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	count, err := b.client.ZCount(ctx, key, lower, "+inf").Result()
	if err != nil {
		return WindowResult{}, err
	}
	resetAt := now.Add(window)
	if count > 0 {
		oldest, err := b.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min:   lower,
			Max:   "+inf",
			Count: 1,
		}).Result()
		if err != nil {
			return WindowResult{}, err
		}
		if len(oldest) > 0 {
			resetAt = time.UnixMilli(int64(oldest[0].Score)).UTC().Add(window)
		}
	}
	return WindowResult{Allowed: count < limit, Count: count, ResetAt: resetAt}, nil
}

func (b *RedisBackend) PeekTokenBucket(ctx context.Context, key string, capacity int64, refillPerSecond float64, now time.Time) (BucketResult, error) {
	return b.runBucket(ctx, key, capacity, refillPerSecond, now, 0)
}

func (b *RedisBackend) runBucket(ctx context.Context, key string, capacity int64, refillPerSecond float64, now time.Time, debit int64) (BucketResult, error) {
	if capacity <= 0 || refillPerSecond <= 0 {
		return BucketResult{}, fmt.Errorf("invalid token bucket: capacity=%d rate=%f", capacity, refillPerSecond)
	}
	res, err := b.tokenBucket.Run(
		ctx,
		b.client,
		[]string{key},
		capacity,
		refillPerSecond,
		now.UnixMilli(),
		bucketTTL(capacity, refillPerSecond).Milliseconds(),
		debit,
	).Int64Slice()
	if err != nil {
		return BucketResult{}, err
	}
	if len(res) < 2 {
		return BucketResult{}, errors.New("invalid token bucket script response")
	}
	return BucketResult{Allowed: res[0] == 1, MilliTokens: res[1]}, nil
}

func (b *RedisBackend) Block(ctx context.Context, key string, record BlockRecord, now time.Time) error {
	ttl := record.BlockedUntil.Sub(now)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, key, payload, ttl).Err()
}

func (b *RedisBackend) GetBlock(ctx context.Context, key string, now time.Time) (*BlockRecord, error) {
	payload, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record BlockRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, err
	}
	if !record.Active(now) {
		return nil, nil
	}
	return &record, nil
}

func (b *RedisBackend) Reset(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return b.client.Del(ctx, keys...).Result()
}
