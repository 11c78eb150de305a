package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/energyguard/internal/cache"
	"github.com/smallbiznis/energyguard/internal/clock"
	"github.com/smallbiznis/energyguard/internal/config"
	eventdomain "github.com/smallbiznis/energyguard/internal/eventstore/domain"
	obsmetrics "github.com/smallbiznis/energyguard/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewBackend),
	fx.Provide(NewFromConfig),
	fx.Invoke(registerCollector),
)

type BackendParams struct {
	fx.In

	Client *redis.Client `optional:"true"`
	Log    *zap.Logger
}

// NewBackend shares limiter state through redis when it is configured and
// keeps it in process otherwise.
func NewBackend(p BackendParams) Backend {
	if p.Client == nil {
		p.Log.Warn("redis not configured, rate limits are per instance")
		return NewMemoryBackend()
	}
	return NewRedisBackend(p.Client)
}

type Params struct {
	fx.In

	Config  config.Config
	Backend Backend
	Events  eventdomain.Service
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func NewFromConfig(p Params) (*Limiter, error) {
	cfg := p.Config.RateLimit

	failClosed := make([]Scope, 0, len(cfg.FailClosedScopes))
	for _, raw := range cfg.FailClosedScopes {
		scope, err := ParseScope(raw)
		if err != nil {
			return nil, err
		}
		failClosed = append(failClosed, scope)
	}

	if cfg.Salt == "" && p.Config.IsProduction() {
		p.Log.Warn("RATE_LIMIT_SALT is empty, identifier hashes are predictable")
	}

	return New(p.Backend,
		WithEvents(p.Events),
		WithClock(p.Clock),
		WithLogger(p.Log),
		WithMetrics(p.Metrics),
		WithSalt(cfg.Salt),
		WithTelemetry(cfg.Telemetry),
		WithFailClosed(failClosed...),
	), nil
}

func registerCollector(limiter *Limiter, c *cache.FallbackCache) error {
	return RegisterCollector(prometheus.DefaultRegisterer, NewCollector(limiter, c))
}
