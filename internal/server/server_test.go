package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/energyguard/internal/authorization"
	"github.com/smallbiznis/energyguard/internal/cache"
	"github.com/smallbiznis/energyguard/internal/clock"
	"github.com/smallbiznis/energyguard/internal/config"
	"github.com/smallbiznis/energyguard/internal/energy"
	energydomain "github.com/smallbiznis/energyguard/internal/energy/domain"
	energyrepository "github.com/smallbiznis/energyguard/internal/energy/repository"
	energyservice "github.com/smallbiznis/energyguard/internal/energy/service"
	eventdomain "github.com/smallbiznis/energyguard/internal/eventstore/domain"
	eventrepository "github.com/smallbiznis/energyguard/internal/eventstore/repository"
	eventservice "github.com/smallbiznis/energyguard/internal/eventstore/service"
	"github.com/smallbiznis/energyguard/internal/observability"
	"github.com/smallbiznis/energyguard/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testAdminKey   = "admin-secret"
	testSupportKey = "support-secret"
)

type testEnv struct {
	engine  *gin.Engine
	db      *gorm.DB
	clock   *clock.FakeClock
	limiter *ratelimit.Limiter
}

func setupServer(t *testing.T, rateLimitEnabled bool, opts ...ratelimit.Option) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&energydomain.Account{}, &energydomain.Transaction{}, &eventdomain.Event{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	events := eventservice.NewService(eventservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  eventrepository.Provide(),
		Clock: fc,
	})
	t.Cleanup(func() { _ = events.Flush(t.Context()) })

	appCache := cache.NewFallbackCache(cache.NewMemoryCache(100), nil, log)
	energySvc := energyservice.NewService(energyservice.Params{
		DB:       db,
		Log:      log,
		Repo:     energyrepository.Provide(),
		Events:   events,
		Cache:    appCache,
		Clock:    fc,
		Config:   config.NewStaticEnergyConfig(config.DefaultEnergyConfig()),
		Verifier: energy.NewTrustedPaymentVerifier(log),
	})

	limiterOpts := append([]ratelimit.Option{
		ratelimit.WithEvents(events),
		ratelimit.WithClock(fc),
		ratelimit.WithLogger(log),
		ratelimit.WithSalt("test-salt"),
	}, opts...)
	limiter := ratelimit.New(ratelimit.NewMemoryBackend(), limiterOpts...)

	cfg := config.Config{
		Environment: "test",
		RateLimit:   config.RateLimitConfig{Enabled: rateLimitEnabled},
		Admin:       config.AdminConfig{APIKey: testAdminKey, SupportAPIKey: testSupportKey},
	}
	enforcer, err := authorization.NewEnforcer()
	require.NoError(t, err)
	authzSvc, err := authorization.NewService(authorization.Params{Config: cfg, Log: log, Enforcer: enforcer})
	require.NoError(t, err)

	engine := NewEngine(observability.Config{Environment: "test", LogLevel: "error"}, nil)
	NewServer(ServerParams{
		Gin:       engine,
		Cfg:       cfg,
		EnergySvc: energySvc,
		EventSvc:  events,
		Limiter:   limiter,
		AuthzSvc:  authzSvc,
		Cache:     appCache,
	})

	return &testEnv{engine: engine, db: db, clock: fc, limiter: limiter}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func asUser(userID string) map[string]string {
	return map[string]string{HeaderUserID: userID}
}

func withAdminKey(key string) map[string]string {
	return map[string]string{HeaderAdminKey: key}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data
}

func TestHealth(t *testing.T) {
	env := setupServer(t, false)

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","cache":"healthy"}`, rec.Body.String())
}

func TestAPIRequiresUserHeader(t *testing.T) {
	env := setupServer(t, false)

	rec := env.do(t, http.MethodGet, "/api/energy/balance", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "validation_error", payload.Type)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "user_required", payload.Errors[0].Code)
}

func TestBalanceCreatesAccount(t *testing.T) {
	env := setupServer(t, false)

	rec := env.do(t, http.MethodGet, "/api/energy/balance", nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decodeData[energydomain.Balance](t, rec)
	assert.Equal(t, "user-1", balance.UserID)
	assert.Equal(t, 85.0, balance.CurrentEnergy)
	assert.True(t, balance.CanPerformBasicAction)
}

func TestConsumeThenInsufficientEnergy(t *testing.T) {
	env := setupServer(t, false)
	body := map[string]any{"action": "coaching_approfondi"}

	rec := env.do(t, http.MethodPost, "/api/energy/consume", body, asUser("user-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	receipt := decodeData[energydomain.Receipt](t, rec)
	assert.Equal(t, 35.0, receipt.EnergyRemaining)

	rec = env.do(t, http.MethodPost, "/api/energy/consume", body, asUser("user-1"))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "insufficient_energy", payload.Type)
	require.NotNil(t, payload.Deficit)
	assert.Equal(t, 15.0, *payload.Deficit)
	assert.Equal(t, energydomain.PackPetite, payload.SuggestedPack)
}

func TestConsumeIdempotencyHeader(t *testing.T) {
	env := setupServer(t, false)
	headers := asUser("user-1")
	headers[HeaderIdempotencyKey] = "req-1"
	body := map[string]any{"action": "analyse_cv"}

	first := env.do(t, http.MethodPost, "/api/energy/consume", body, headers)
	require.Equal(t, http.StatusOK, first.Code)
	second := env.do(t, http.MethodPost, "/api/energy/consume", body, headers)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t,
		decodeData[energydomain.Receipt](t, first).TransactionID,
		decodeData[energydomain.Receipt](t, second).TransactionID,
	)
}

func TestUnknownActionIsValidationError(t *testing.T) {
	env := setupServer(t, false)

	rec := env.do(t, http.MethodGet, "/api/energy/can-perform/teleport", nil, asUser("user-1"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "action", payload.Errors[0].Field)
	assert.Equal(t, "unknown_action", payload.Errors[0].Code)
}

func TestAPIGeneralLimitsByClientIP(t *testing.T) {
	env := setupServer(t, true, ratelimit.WithRule(ratelimit.ScopeAPIGeneral, ratelimit.Rule{
		Strategy:          ratelimit.StrategyTokenBucket,
		RequestsPerWindow: 60,
		Window:            time.Minute,
		BurstSize:         2,
		BlockDuration:     time.Minute,
	}))

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/api/energy/balance", nil, asUser(fmt.Sprintf("user-%d", i)))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get(HeaderRateLimitLimit))
	}

	rec := env.do(t, http.MethodGet, "/api/energy/balance", nil, asUser("user-9"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get(HeaderRateLimitRemaining))
	payload := decodeError(t, rec)
	assert.Equal(t, "rate_limited", payload.Type)
	assert.Equal(t, ratelimit.ScopeAPIGeneral, payload.Scope)
	assert.NotEmpty(t, payload.BlockedUntil)

	// the block outlives the bucket refill
	env.clock.Advance(30 * time.Second)
	rec = env.do(t, http.MethodGet, "/api/energy/balance", nil, asUser("user-9"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limit_blocked", decodeError(t, rec).Type)
}

func TestPurchaseLimitedPerUser(t *testing.T) {
	env := setupServer(t, true, ratelimit.WithRule(ratelimit.ScopeEnergyPurchase, ratelimit.Rule{
		Strategy:          ratelimit.StrategyFixedWindow,
		RequestsPerWindow: 1,
		Window:            time.Hour,
		BlockDuration:     30 * time.Minute,
	}))
	body := map[string]any{"pack": "recharge_petite", "payment_reference": "pay_1"}

	rec := env.do(t, http.MethodPost, "/api/energy/purchase", body, asUser("buyer"))
	require.Equal(t, http.StatusOK, rec.Code)

	body["payment_reference"] = "pay_2"
	rec = env.do(t, http.MethodPost, "/api/energy/purchase", body, asUser("buyer"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1800", rec.Header().Get("Retry-After"))

	rec = env.do(t, http.MethodPost, "/api/energy/purchase", body, asUser("other-buyer"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitDisabledSkipsHeaders(t *testing.T) {
	env := setupServer(t, false)

	rec := env.do(t, http.MethodGet, "/api/energy/balance", nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderRateLimitLimit))
	assert.Zero(t, env.limiter.Stats().TotalRequests)
}

func TestAdminRequiresKey(t *testing.T) {
	env := setupServer(t, true)

	rec := env.do(t, http.MethodGet, "/admin/ratelimit/stats", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/ratelimit/stats", nil, withAdminKey("wrong"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/ratelimit/stats", nil, withAdminKey(testSupportKey))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSupportCannotChangeSubscription(t *testing.T) {
	env := setupServer(t, false)
	body := map[string]any{"subscription_type": "premium"}

	rec := env.do(t, http.MethodPut, "/admin/energy/user-1/subscription", body, withAdminKey(testSupportKey))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPut, "/admin/energy/user-1/subscription", body, withAdminKey(testAdminKey))
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decodeData[energydomain.Balance](t, rec)
	assert.Equal(t, energydomain.SubscriptionPremium, balance.SubscriptionType)
	assert.Equal(t, 200.0, balance.MaxEnergy)
}

func TestAdminResetClearsBlock(t *testing.T) {
	env := setupServer(t, true, ratelimit.WithRule(ratelimit.ScopeAPIGeneral, ratelimit.Rule{
		Strategy:          ratelimit.StrategyTokenBucket,
		RequestsPerWindow: 60,
		Window:            time.Minute,
		BurstSize:         1,
		BlockDuration:     time.Hour,
	}))

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/energy/balance", nil, asUser("u")).Code)
	require.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/api/energy/balance", nil, asUser("u")).Code)

	status := env.do(t, http.MethodGet, "/admin/ratelimit/status?identifier=192.0.2.1&scope=api_general", nil, withAdminKey(testSupportKey))
	require.Equal(t, http.StatusOK, status.Code)
	assert.True(t, decodeData[ratelimit.Status](t, status).Blocked)

	rec := env.do(t, http.MethodPost, "/admin/ratelimit/reset", map[string]any{
		"identifier": "192.0.2.1",
		"scope":      "api_general",
	}, withAdminKey(testAdminKey))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"scope":"api_general","cleared":true}}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/energy/balance", nil, asUser("u")).Code)

	stats := decodeData[ratelimit.Stats](t, env.do(t, http.MethodGet, "/admin/ratelimit/stats", nil, withAdminKey(testAdminKey)))
	assert.EqualValues(t, 3, stats.TotalRequests)
	assert.EqualValues(t, 1, stats.Limited)
}

func TestAdminUnknownScope(t *testing.T) {
	env := setupServer(t, true)

	rec := env.do(t, http.MethodGet, "/admin/ratelimit/status?identifier=x&scope=nope", nil, withAdminKey(testAdminKey))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "scope", payload.Errors[0].Field)
}

func TestAdminDeleteAccount(t *testing.T) {
	env := setupServer(t, false)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/energy/balance", nil, asUser("leaving")).Code)

	rec := env.do(t, http.MethodDelete, "/admin/energy/leaving", nil, withAdminKey(testSupportKey))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodDelete, "/admin/energy/leaving", nil, withAdminKey(testAdminKey))
	require.Equal(t, http.StatusNoContent, rec.Code)

	var count int64
	require.NoError(t, env.db.Model(&energydomain.Account{}).Where("user_id = ?", "leaving").Count(&count).Error)
	assert.Zero(t, count)
}

func TestListEventsForUser(t *testing.T) {
	env := setupServer(t, false)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/energy/consume", map[string]any{"action": "question_simple"}, asUser("user-1")).Code)

	rec := env.do(t, http.MethodGet, "/api/events?type=energy_action", nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeData[eventdomain.ListEventsResponse](t, rec)
	require.Len(t, list.Events, 1)
	assert.Equal(t, eventdomain.EventEnergyAction, list.Events[0].Type)

	rec = env.do(t, http.MethodGet, "/api/events?since=yesterday", nil, asUser("user-1"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMapErrorTransientIsUnavailable(t *testing.T) {
	status, payload := mapError(&energydomain.TransientInfraError{Op: "consume", Err: assert.AnError})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "service_unavailable", payload.Type)

	status, _ = mapError(energydomain.ErrConcurrencyConflict)
	assert.Equal(t, http.StatusConflict, status)

	status, payload = mapError(&energydomain.BusinessRuleError{Rule: energydomain.RuleUnlimitedPurchase, Message: "unlimited"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, energydomain.RuleUnlimitedPurchase, payload.Type)
}
