package cache

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/energyguard/internal/config"
	"github.com/smallbiznis/energyguard/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("cache",
	fx.Provide(NewRedisClient),
	fx.Provide(NewFromConfig),
	fx.Provide(func(c *FallbackCache) Cache { return c }),
)

// NewRedisClient returns nil when no redis address is configured; callers
// then run on in-process state.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled() {
		log.Info("redis not configured, using in-process state")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Unreachable redis is tolerated: the cache falls back and the
			// limiter fails open.
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis ping failed at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Client  *redis.Client    `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
}

func NewFromConfig(p Params) *FallbackCache {
	memory := NewMemoryCache(p.Config.Cache.FallbackSize)
	if p.Client == nil {
		return NewFallbackCache(memory, nil, p.Log, WithMetrics(p.Metrics))
	}
	return NewFallbackCache(
		NewRedisCache(p.Client),
		memory,
		p.Log,
		WithCooldown(p.Config.Cache.FallbackCooldown),
		WithMetrics(p.Metrics),
	)
}
