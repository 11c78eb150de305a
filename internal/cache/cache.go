package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type Health string

const (
	HealthHealthy      Health = "healthy"
	HealthFallbackOnly Health = "fallback_only"
	HealthUnreachable  Health = "unreachable"
)

// Namespaces used by the core. Values are never authoritative.
const (
	NamespaceBalance   = "energy_balance"
	NamespaceAnalytics = "energy_analytics"
)

var ErrInvalidKey = errors.New("invalid_cache_key")

// Cache is a namespaced TTL key-value store.
type Cache interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, namespace string, keys ...string) error
	Health(ctx context.Context) Health
}

func GetJSON[T any](ctx context.Context, c Cache, namespace, key string) (T, bool, error) {
	var out T
	raw, ok, err := c.Get(ctx, namespace, key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

func SetJSON(ctx context.Context, c Cache, namespace, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, namespace, key, raw, ttl)
}

func entryKey(namespace, key string) (string, error) {
	namespace = strings.TrimSpace(namespace)
	key = strings.TrimSpace(key)
	if namespace == "" || key == "" {
		return "", ErrInvalidKey
	}
	return "cache:" + namespace + ":" + key, nil
}
