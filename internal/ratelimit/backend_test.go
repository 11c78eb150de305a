package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasherIsKeyedAndScoped(t *testing.T) {
	h := NewHasher("salt-a")

	first := h.Hash(ScopeAuthLogin, "Alice@Example.com ")
	assert.Len(t, first, 32)
	assert.Equal(t, first, h.Hash(ScopeAuthLogin, "alice@example.com"))
	assert.NotEqual(t, first, h.Hash(ScopeAuthRegister, "alice@example.com"))
	assert.NotEqual(t, first, NewHasher("salt-b").Hash(ScopeAuthLogin, "alice@example.com"))
	assert.NotContains(t, first, "alice")
}

func TestFixedWindowKeyAlignsToEpoch(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 7, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), windowStart(at, 15*time.Minute))
	assert.Equal(t, fixedWindowKey("k", time.Hour, at), fixedWindowKey("k", time.Hour, at.Add(30*time.Minute)))
	assert.NotEqual(t, fixedWindowKey("k", time.Hour, at), fixedWindowKey("k", time.Hour, at.Add(time.Hour)))
}

func TestBlockRecordsExpireAtCallerTime(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			b := bc.new(t)
			ctx := context.Background()
			now := epoch

			record := BlockRecord{
				IdentifierHash: "abc",
				Scope:          ScopeAuthLogin,
				BlockedAt:      now,
				BlockedUntil:   now.Add(time.Minute),
				Reason:         "limit_exceeded",
			}
			require.NoError(t, b.Block(ctx, "block:abc", record, now))

			got, err := b.GetBlock(ctx, "block:abc", now.Add(30*time.Second))
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, ScopeAuthLogin, got.Scope)
			assert.True(t, got.BlockedUntil.Equal(record.BlockedUntil))

			got, err = b.GetBlock(ctx, "block:abc", now.Add(time.Minute))
			require.NoError(t, err)
			assert.Nil(t, got)

			removed, err := b.Reset(ctx, "block:abc", "missing")
			require.NoError(t, err)
			assert.Equal(t, int64(1), removed)
		})
	}
}

func TestFixedWindowDoesNotCountDenials(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			b := bc.new(t)
			ctx := context.Background()

			for i := 0; i < 4; i++ {
				_, err := b.FixedWindow(ctx, "fw", 2, time.Minute, epoch)
				require.NoError(t, err)
			}
			res, err := b.PeekFixedWindow(ctx, "fw", 2, time.Minute, epoch)
			require.NoError(t, err)
			assert.Equal(t, int64(2), res.Count)
			assert.False(t, res.Allowed)
			assert.Equal(t, epoch.Add(time.Minute), res.ResetAt)
		})
	}
}

func TestPeekTokenBucketDoesNotDebit(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			b := bc.new(t)
			ctx := context.Background()

			res, err := b.TokenBucket(ctx, "tb", 5, 1, epoch)
			require.NoError(t, err)
			assert.Equal(t, int64(4), res.Tokens())

			for i := 0; i < 3; i++ {
				peek, err := b.PeekTokenBucket(ctx, "tb", 5, 1, epoch)
				require.NoError(t, err)
				assert.Equal(t, int64(4000), peek.MilliTokens)
			}

			peek, err := b.PeekTokenBucket(ctx, "tb", 5, 1, epoch.Add(500*time.Millisecond))
			require.NoError(t, err)
			assert.Equal(t, int64(4500), peek.MilliTokens)
		})
	}
}

func TestCollectorExposesLimiterAndCacheCounters(t *testing.T) {
	l := New(failingBackend{})
	_, _, err := l.Check(context.Background(), "x", ScopeAPIGeneral, RequestInfo{})
	require.NoError(t, err)

	reg := prometheus.NewPedanticRegistry()
	c := NewCollector(l, fallbackStub(3))
	require.NoError(t, RegisterCollector(reg, c))
	require.NoError(t, RegisterCollector(reg, c))

	assert.Equal(t, 5, testutil.CollectAndCount(c))

	expected := `
# HELP energyguard_ratelimit_backend_errors_total Rate limit backend failures answered by the fallback path.
# TYPE energyguard_ratelimit_backend_errors_total counter
energyguard_ratelimit_backend_errors_total 1
# HELP energyguard_cache_fallback_uses_total Cache operations served by the in-process fallback.
# TYPE energyguard_cache_fallback_uses_total counter
energyguard_cache_fallback_uses_total 3
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"energyguard_ratelimit_backend_errors_total",
		"energyguard_cache_fallback_uses_total",
	))
}

type fallbackStub int64

func (f fallbackStub) FallbackUses() int64 { return int64(f) }
