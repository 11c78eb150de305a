package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisCache stores entries as plain redis strings with native expiry.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	if client == nil {
		return nil
	}
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	k, err := entryKey(namespace, key)
	if err != nil {
		return nil, false, err
	}
	raw, err := r.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (r *RedisCache) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	k, err := entryKey(namespace, key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return r.client.Del(ctx, k).Err()
	}
	return r.client.Set(ctx, k, value, ttl).Err()
}

// Delete removes every key in one pipelined round trip.
func (r *RedisCache) Delete(ctx context.Context, namespace string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	fullKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		k, err := entryKey(namespace, key)
		if err != nil {
			return err
		}
		fullKeys = append(fullKeys, k)
	}
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range fullKeys {
			pipe.Del(ctx, k)
		}
		return nil
	})
	return err
}

func (r *RedisCache) Health(ctx context.Context) Health {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return HealthUnreachable
	}
	return HealthHealthy
}
