package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/energyguard/internal/clock"
	eventdomain "github.com/smallbiznis/energyguard/internal/eventstore/domain"
	obsmetrics "github.com/smallbiznis/energyguard/internal/observability/metrics"
	"github.com/smallbiznis/energyguard/internal/observability/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	SourceBackend    = "backend"
	SourceEventStore = "event_store"
	SourceNone       = "none"

	keyPrefix = "ratelimit"
)

// RequestInfo describes the call being limited. It is copied into
// rate-limit events; the raw identifier never is.
type RequestInfo struct {
	Method   string
	Endpoint string
}

type Details struct {
	Scope        Scope         `json:"scope"`
	Limit        int64         `json:"limit"`
	Current      int64         `json:"current"`
	Remaining    int64         `json:"remaining"`
	ResetAt      *time.Time    `json:"reset_at,omitempty"`
	BlockedUntil *time.Time    `json:"blocked_until,omitempty"`
	RetryAfter   time.Duration `json:"-"`
	Source       string        `json:"source"`
}

// RetryAfterSeconds rounds up so clients never retry early.
func (d Details) RetryAfterSeconds() int64 {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int64((d.RetryAfter + time.Second - 1) / time.Second)
}

type Status struct {
	Scope        Scope      `json:"scope"`
	Strategy     Strategy   `json:"strategy"`
	Limit        int64      `json:"limit"`
	WindowSecs   int64      `json:"window_seconds"`
	Current      int64      `json:"current"`
	Remaining    int64      `json:"remaining"`
	ResetAt      *time.Time `json:"reset_at,omitempty"`
	Blocked      bool       `json:"blocked"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

type Stats struct {
	TotalRequests int64 `json:"total_requests"`
	Allowed       int64 `json:"allowed"`
	Limited       int64 `json:"limited"`
	Blocked       int64 `json:"blocked"`
	BackendErrors int64 `json:"backend_errors"`

	// FallbackWriteErrors counts requests admitted during a backend outage
	// whose event could not be stored.
	FallbackWriteErrors int64 `json:"fallback_write_errors"`
}

type counters struct {
	total         atomic.Int64
	allowed       atomic.Int64
	limited       atomic.Int64
	blocked       atomic.Int64
	backendErrors atomic.Int64

	fallbackWriteErrors atomic.Int64
}

type Limiter struct {
	backend   Backend
	events    eventdomain.Service
	hasher    *Hasher
	rules     map[Scope]Rule
	clock     clock.Clock
	log       *zap.Logger
	metrics   *obsmetrics.Metrics
	tracer    trace.Tracer
	telemetry bool
	stats     counters
}

type Option func(*Limiter)

func WithEvents(events eventdomain.Service) Option {
	return func(l *Limiter) { l.events = events }
}

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

func WithMetrics(m *obsmetrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func WithSalt(salt string) Option {
	return func(l *Limiter) { l.hasher = NewHasher(salt) }
}

// WithRule overrides a single scope's rule.
func WithRule(scope Scope, rule Rule) Option {
	return func(l *Limiter) { l.rules[scope] = rule }
}

// WithFailClosed denies requests for the given scopes when neither the
// backend nor the event store can answer.
func WithFailClosed(scopes ...Scope) Option {
	return func(l *Limiter) {
		for _, scope := range scopes {
			if rule, ok := l.rules[scope]; ok {
				rule.FailClosed = true
				l.rules[scope] = rule
			}
		}
	}
}

// WithTelemetry toggles rate_limit_request events on allowed checks. The
// fallback count reads those events, so disabling it leaves fail-open
// decisions without history.
func WithTelemetry(enabled bool) Option {
	return func(l *Limiter) { l.telemetry = enabled }
}

func New(backend Backend, opts ...Option) *Limiter {
	l := &Limiter{
		backend:   backend,
		hasher:    NewHasher(""),
		rules:     DefaultRules(),
		clock:     clock.New(),
		log:       zap.NewNop(),
		tracer:    otel.Tracer("energyguard/ratelimit"),
		telemetry: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.Named("ratelimit.limiter")
	return l
}

func (l *Limiter) Rule(scope Scope) (Rule, bool) {
	rule, ok := l.rules[scope]
	return rule, ok
}

type subject struct {
	scope Scope
	hash  string
}

func (s subject) String() string { return string(s.scope) + ":" + s.hash }

func (s subject) key(suffix string) string {
	return keyPrefix + ":" + string(s.scope) + ":" + s.hash + ":" + suffix
}

func (l *Limiter) resolve(identifier string, scope Scope) (subject, Rule, error) {
	rule, ok := l.rules[scope]
	if !ok {
		return subject{}, Rule{}, ErrUnknownScope
	}
	if strings.TrimSpace(identifier) == "" {
		return subject{}, Rule{}, ErrInvalidIdentifier
	}
	return subject{scope: scope, hash: l.hasher.Hash(scope, identifier)}, rule, nil
}

// Check decides whether identifier may proceed in scope. Backend failures
// never surface as errors; the only errors are for an unknown scope or an
// empty identifier.
func (l *Limiter) Check(ctx context.Context, identifier string, scope Scope, info RequestInfo) (result Result, details Details, err error) {
	subj, rule, err := l.resolve(identifier, scope)
	if err != nil {
		return "", Details{}, err
	}

	ctx, span := l.tracer.Start(ctx, "ratelimit.check", trace.WithAttributes(
		attribute.String("ratelimit.scope", string(scope)),
		attribute.String("ratelimit.strategy", string(rule.Strategy)),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("ratelimit.result", string(result)),
			attribute.String("ratelimit.source", details.Source),
		)
		span.End()
	}()

	l.stats.total.Add(1)
	now := l.clock.Now()
	details = Details{Scope: scope, Limit: rule.RequestsPerWindow, Source: SourceBackend}

	block, err := l.backend.GetBlock(ctx, subj.key("block"), now)
	if err != nil {
		return l.degraded(ctx, span, subj, rule, info, now, err)
	}
	if block != nil {
		until := block.BlockedUntil
		details.BlockedUntil = &until
		details.RetryAfter = until.Sub(now)
		return l.finish(ctx, ResultBlocked, details), details, nil
	}

	verdict, err := l.evaluate(ctx, subj, rule, now)
	if err != nil {
		return l.degraded(ctx, span, subj, rule, info, now, err)
	}
	details.Limit = verdict.limit
	details.Current = verdict.current
	details.Remaining = verdict.remaining
	if !verdict.resetAt.IsZero() {
		resetAt := verdict.resetAt
		details.ResetAt = &resetAt
	}

	if !verdict.allowed {
		details.RetryAfter = verdict.retryAfter
		if rule.BlockDuration > 0 {
			until := now.Add(rule.BlockDuration)
			record := BlockRecord{
				IdentifierHash: subj.hash,
				Scope:          scope,
				BlockedAt:      now,
				BlockedUntil:   until,
				Reason:         "limit_exceeded",
			}
			if err := l.backend.Block(ctx, subj.key("block"), record, now); err != nil {
				l.recordBackendError(ctx, scope, "block", err)
			}
			details.BlockedUntil = &until
			details.RetryAfter = rule.BlockDuration
		}
		l.emit(ctx, eventdomain.EventRateLimitExceeded, subj, info, map[string]any{
			"current":       details.Current,
			"limit":         details.Limit,
			"blocked_until": details.BlockedUntil,
		})
		return l.finish(ctx, ResultLimited, details), details, nil
	}

	l.recordRequest(ctx, subj, info)
	return l.finish(ctx, ResultAllowed, details), details, nil
}

type verdict struct {
	allowed    bool
	limit      int64
	current    int64
	remaining  int64
	resetAt    time.Time
	retryAfter time.Duration
}

func (l *Limiter) evaluate(ctx context.Context, subj subject, rule Rule, now time.Time) (verdict, error) {
	switch rule.Strategy {
	case StrategyFixedWindow:
		res, err := l.backend.FixedWindow(ctx, subj.key("fw"), rule.RequestsPerWindow, rule.Window, now)
		if err != nil {
			return verdict{}, err
		}
		return windowVerdict(res, rule.RequestsPerWindow, now), nil
	case StrategySlidingWindow:
		res, err := l.backend.SlidingWindow(ctx, subj.key("sw"), rule.RequestsPerWindow, rule.Window, now, uuid.NewString())
		if err != nil {
			return verdict{}, err
		}
		return windowVerdict(res, rule.RequestsPerWindow, now), nil
	case StrategyTokenBucket:
		res, err := l.backend.TokenBucket(ctx, subj.key("tb"), rule.BurstSize, rule.RefillPerSecond(), now)
		if err != nil {
			return verdict{}, err
		}
		return bucketVerdict(res, rule), nil
	default:
		return verdict{}, errors.New("unsupported rate limit strategy: " + string(rule.Strategy))
	}
}

func windowVerdict(res WindowResult, limit int64, now time.Time) verdict {
	v := verdict{
		allowed:   res.Allowed,
		limit:     limit,
		current:   res.Count,
		remaining: max(limit-res.Count, 0),
		resetAt:   res.ResetAt,
	}
	if !res.Allowed {
		v.retryAfter = res.ResetAt.Sub(now)
	}
	return v
}

func bucketVerdict(res BucketResult, rule Rule) verdict {
	tokens := res.Tokens()
	v := verdict{
		allowed:   res.Allowed,
		limit:     rule.BurstSize,
		current:   rule.BurstSize - tokens,
		remaining: tokens,
	}
	if !res.Allowed {
		missing := milliPerToken - res.MilliTokens
		if rate := rule.RefillPerSecond(); rate > 0 && missing > 0 {
			v.retryAfter = time.Duration(float64(missing)/rate) * time.Millisecond
		}
	}
	return v
}

// degraded answers when the backend is unavailable: count this subject's
// recent requests in the event store, and fall back to the rule's
// fail-open or fail-closed default if that fails too.
func (l *Limiter) degraded(ctx context.Context, span trace.Span, subj subject, rule Rule, info RequestInfo, now time.Time, cause error) (Result, Details, error) {
	l.recordBackendError(ctx, subj.scope, "check", cause)
	span.RecordError(tracing.SafeError(cause))
	span.SetStatus(codes.Error, "rate limit backend unavailable")

	details := Details{Scope: subj.scope, Limit: rule.RequestsPerWindow, Source: SourceNone}

	if l.events != nil {
		count, err := l.events.CountSince(ctx, eventdomain.EventRateLimitRequest, subj.String(), now.Add(-rule.Window))
		if err == nil {
			details.Source = SourceEventStore
			details.Current = count
			details.Remaining = max(rule.RequestsPerWindow-count, 0)
			if count >= rule.RequestsPerWindow {
				details.RetryAfter = rule.Window
				return l.finish(ctx, ResultLimited, details), details, nil
			}
			l.recordFallbackRequest(ctx, subj, info)
			return l.finish(ctx, ResultAllowed, details), details, nil
		}
		l.log.Warn("rate limit fallback count failed",
			zap.String("scope", string(subj.scope)),
			zap.Error(err),
		)
	}

	if rule.FailClosed {
		details.RetryAfter = time.Second
		return l.finish(ctx, ResultLimited, details), details, nil
	}
	return l.finish(ctx, ResultAllowed, details), details, nil
}

func (l *Limiter) finish(ctx context.Context, result Result, details Details) Result {
	switch result {
	case ResultAllowed:
		l.stats.allowed.Add(1)
	case ResultLimited:
		l.stats.limited.Add(1)
		l.log.Info("rate limit exceeded",
			zap.String("scope", string(details.Scope)),
			zap.Int64("current", details.Current),
			zap.Int64("limit", details.Limit),
			zap.String("source", details.Source),
		)
	case ResultBlocked:
		l.stats.blocked.Add(1)
	}
	l.metrics.RecordRateLimitCheck(ctx, string(details.Scope), string(result))
	return result
}

func (l *Limiter) recordBackendError(ctx context.Context, scope Scope, op string, err error) {
	l.stats.backendErrors.Add(1)
	l.metrics.RecordRateLimitBackendError(ctx, string(scope))
	l.log.Warn("rate limit backend call failed",
		zap.String("scope", string(scope)),
		zap.String("op", op),
		zap.Error(err),
	)
}

func (l *Limiter) recordRequest(ctx context.Context, subj subject, info RequestInfo) {
	if !l.telemetry {
		return
	}
	l.emit(ctx, eventdomain.EventRateLimitRequest, subj, info, nil)
}

// recordFallbackRequest writes the request event synchronously. While the
// backend is down these events are the only counter, so the next check must
// see this one.
func (l *Limiter) recordFallbackRequest(ctx context.Context, subj subject, info RequestInfo) {
	if l.events == nil {
		return
	}
	if _, err := l.events.Store(ctx, eventdomain.NewEvent{
		Type:    eventdomain.EventRateLimitRequest,
		Subject: subj.String(),
		Payload: eventPayload(subj, info, nil),
	}); err != nil {
		l.stats.fallbackWriteErrors.Add(1)
		l.metrics.RecordRateLimitBackendError(ctx, string(subj.scope))
		l.log.Warn("rate limit fallback request not recorded",
			zap.String("scope", string(subj.scope)),
			zap.Error(err),
		)
	}
}

func (l *Limiter) emit(ctx context.Context, eventType eventdomain.EventType, subj subject, info RequestInfo, extra map[string]any) {
	if l.events == nil {
		return
	}
	l.events.Emit(ctx, eventdomain.NewEvent{
		Type:    eventType,
		Subject: subj.String(),
		Payload: eventPayload(subj, info, extra),
	})
}

func eventPayload(subj subject, info RequestInfo, extra map[string]any) map[string]any {
	payload := map[string]any{
		"scope":           string(subj.scope),
		"identifier_hash": subj.hash,
	}
	if info.Method != "" {
		payload["method"] = info.Method
	}
	if info.Endpoint != "" {
		payload["endpoint"] = info.Endpoint
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

// Reset clears the block record and every counter for identifier in scope.
// It reports whether anything was removed.
func (l *Limiter) Reset(ctx context.Context, identifier string, scope Scope) (bool, error) {
	subj, rule, err := l.resolve(identifier, scope)
	if err != nil {
		return false, err
	}
	now := l.clock.Now()
	deleted, err := l.backend.Reset(ctx,
		subj.key("block"),
		fixedWindowKey(subj.key("fw"), rule.Window, now),
		subj.key("sw"),
		subj.key("tb"),
	)
	if err != nil {
		return false, err
	}

	if l.events != nil {
		if _, err := l.events.Store(ctx, eventdomain.NewEvent{
			Type:    eventdomain.EventRateLimitReset,
			Subject: subj.String(),
			Payload: map[string]any{
				"scope":           string(scope),
				"identifier_hash": subj.hash,
				"keys_removed":    deleted,
			},
		}); err != nil {
			l.log.Warn("failed to record rate limit reset", zap.String("scope", string(scope)), zap.Error(err))
		}
	}
	return deleted > 0, nil
}

// Status reads the current counters without consuming from them.
func (l *Limiter) Status(ctx context.Context, identifier string, scope Scope) (Status, error) {
	subj, rule, err := l.resolve(identifier, scope)
	if err != nil {
		return Status{}, err
	}
	now := l.clock.Now()
	status := Status{
		Scope:      scope,
		Strategy:   rule.Strategy,
		Limit:      rule.RequestsPerWindow,
		WindowSecs: int64(rule.Window / time.Second),
	}

	block, err := l.backend.GetBlock(ctx, subj.key("block"), now)
	if err != nil {
		return Status{}, err
	}
	if block != nil {
		until := block.BlockedUntil
		status.Blocked = true
		status.BlockedUntil = &until
	}

	var v verdict
	switch rule.Strategy {
	case StrategyFixedWindow:
		res, err := l.backend.PeekFixedWindow(ctx, subj.key("fw"), rule.RequestsPerWindow, rule.Window, now)
		if err != nil {
			return Status{}, err
		}
		v = windowVerdict(res, rule.RequestsPerWindow, now)
	case StrategySlidingWindow:
		res, err := l.backend.PeekSlidingWindow(ctx, subj.key("sw"), rule.RequestsPerWindow, rule.Window, now)
		if err != nil {
			return Status{}, err
		}
		v = windowVerdict(res, rule.RequestsPerWindow, now)
	case StrategyTokenBucket:
		res, err := l.backend.PeekTokenBucket(ctx, subj.key("tb"), rule.BurstSize, rule.RefillPerSecond(), now)
		if err != nil {
			return Status{}, err
		}
		v = bucketVerdict(res, rule)
	}
	status.Limit = v.limit
	status.Current = v.current
	status.Remaining = v.remaining
	if !v.resetAt.IsZero() {
		resetAt := v.resetAt
		status.ResetAt = &resetAt
	}
	return status, nil
}

func (l *Limiter) Stats() Stats {
	return Stats{
		TotalRequests: l.stats.total.Load(),
		Allowed:       l.stats.allowed.Load(),
		Limited:       l.stats.limited.Load(),
		Blocked:       l.stats.blocked.Load(),
		BackendErrors: l.stats.backendErrors.Load(),

		FallbackWriteErrors: l.stats.fallbackWriteErrors.Load(),
	}
}

// LimitError carries a denial to the transport layer.
type LimitError struct {
	Result  Result
	Details Details
}

func (e *LimitError) Error() string {
	if e.Result == ResultBlocked {
		return "rate_limit_blocked"
	}
	return "rate_limited"
}
