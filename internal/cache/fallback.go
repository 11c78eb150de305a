package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallbiznis/energyguard/internal/observability/metrics"
	"go.uber.org/zap"
)

const DefaultFallbackCooldown = 30 * time.Second

// FallbackCache serves from primary and flips to the in-process fallback for
// a cool-down period once primary fails. Deletes issued while degraded are
// replayed against primary when it comes back so stale entries do not
// resurface.
type FallbackCache struct {
	primary  Cache
	fallback *MemoryCache
	cooldown time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	degradedUntil atomic.Int64
	fallbackUses  atomic.Int64

	mu             sync.Mutex
	pendingDeletes map[string]map[string]struct{}
	pendingLimit   int
}

type FallbackOption func(*FallbackCache)

func WithCooldown(d time.Duration) FallbackOption {
	return func(c *FallbackCache) {
		if d > 0 {
			c.cooldown = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) FallbackOption {
	return func(c *FallbackCache) { c.metrics = m }
}

func WithNow(now func() time.Time) FallbackOption {
	return func(c *FallbackCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewFallbackCache wraps primary. A nil fallback means primary failures are
// returned to the caller.
func NewFallbackCache(primary Cache, fallback *MemoryCache, log *zap.Logger, opts ...FallbackOption) *FallbackCache {
	if log == nil {
		log = zap.NewNop()
	}
	c := &FallbackCache{
		primary:        primary,
		fallback:       fallback,
		cooldown:       DefaultFallbackCooldown,
		log:            log.Named("cache.fallback"),
		now:            time.Now,
		pendingDeletes: make(map[string]map[string]struct{}),
		pendingLimit:   DefaultMemorySize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *FallbackCache) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	if c.usePrimary(ctx) {
		value, ok, err := c.primary.Get(ctx, namespace, key)
		if !c.shouldFallback(ctx, "get", err) {
			return value, ok, err
		}
	}
	if c.fallback == nil {
		return nil, false, nil
	}
	c.fallbackUses.Add(1)
	return c.fallback.Get(ctx, namespace, key)
}

func (c *FallbackCache) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if c.usePrimary(ctx) {
		err := c.primary.Set(ctx, namespace, key, value, ttl)
		if !c.shouldFallback(ctx, "set", err) {
			return err
		}
	}
	if c.fallback == nil {
		return nil
	}
	c.fallbackUses.Add(1)
	return c.fallback.Set(ctx, namespace, key, value, ttl)
}

// Delete always clears the fallback copy, then primary (or queues the keys
// for replay while primary is down).
func (c *FallbackCache) Delete(ctx context.Context, namespace string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if c.fallback != nil {
		if err := c.fallback.Delete(ctx, namespace, keys...); err != nil {
			return err
		}
	}
	if c.usePrimary(ctx) {
		err := c.primary.Delete(ctx, namespace, keys...)
		if !c.shouldFallback(ctx, "delete", err) {
			return err
		}
	}
	if c.primary == nil {
		return nil
	}
	c.fallbackUses.Add(1)
	c.queueDeletes(namespace, keys)
	return nil
}

func (c *FallbackCache) Health(ctx context.Context) Health {
	if c.primary != nil && c.primary.Health(ctx) == HealthHealthy {
		return HealthHealthy
	}
	if c.fallback != nil {
		return HealthFallbackOnly
	}
	return HealthUnreachable
}

// FallbackUses counts operations served by the in-process fallback.
func (c *FallbackCache) FallbackUses() int64 {
	return c.fallbackUses.Load()
}

func (c *FallbackCache) Degraded() bool {
	return c.now().UnixNano() < c.degradedUntil.Load()
}

func (c *FallbackCache) usePrimary(ctx context.Context) bool {
	if c.primary == nil {
		return false
	}
	if c.Degraded() {
		return false
	}
	c.replayDeletes(ctx)
	return true
}

// shouldFallback classifies a primary error. Caller cancellation is not a
// backend fault and neither is a malformed key.
func (c *FallbackCache) shouldFallback(ctx context.Context, op string, err error) bool {
	if err == nil || errors.Is(err, ErrInvalidKey) || errors.Is(err, context.Canceled) {
		return false
	}
	if c.fallback == nil {
		return false
	}

	until := c.now().Add(c.cooldown).UnixNano()
	prev := c.degradedUntil.Swap(until)
	if prev < c.now().UnixNano() {
		c.log.Warn("cache primary unavailable, using in-process fallback",
			zap.String("operation", op),
			zap.Duration("cooldown", c.cooldown),
			zap.Error(err),
		)
	}
	c.metrics.RecordCacheFallback(ctx, op)
	return true
}

func (c *FallbackCache) queueDeletes(namespace string, keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.pendingDeletes[namespace]
	if !ok {
		set = make(map[string]struct{})
		c.pendingDeletes[namespace] = set
	}
	for _, key := range keys {
		if len(set) >= c.pendingLimit {
			c.log.Warn("pending cache deletes overflow", zap.String("namespace", namespace))
			return
		}
		set[key] = struct{}{}
	}
}

func (c *FallbackCache) replayDeletes(ctx context.Context) {
	c.mu.Lock()
	if len(c.pendingDeletes) == 0 {
		c.mu.Unlock()
		return
	}
	pending := c.pendingDeletes
	c.pendingDeletes = make(map[string]map[string]struct{})
	c.mu.Unlock()

	for namespace, set := range pending {
		keys := make([]string, 0, len(set))
		for key := range set {
			keys = append(keys, key)
		}
		if err := c.primary.Delete(ctx, namespace, keys...); err != nil {
			c.queueDeletes(namespace, keys)
			c.log.Warn("replaying cache deletes failed", zap.String("namespace", namespace), zap.Error(err))
		}
	}
}
