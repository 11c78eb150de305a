package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/energyguard/internal/authorization"
	"github.com/smallbiznis/energyguard/internal/cache"
	"github.com/smallbiznis/energyguard/internal/config"
	energydomain "github.com/smallbiznis/energyguard/internal/energy/domain"
	eventdomain "github.com/smallbiznis/energyguard/internal/eventstore/domain"
	"github.com/smallbiznis/energyguard/internal/observability"
	obsmiddleware "github.com/smallbiznis/energyguard/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/energyguard/internal/observability/metrics"
	obstracing "github.com/smallbiznis/energyguard/internal/observability/tracing"
	"github.com/smallbiznis/energyguard/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	energySvc energydomain.Service
	eventSvc  eventdomain.Service
	limiter   *ratelimit.Limiter
	authzSvc  authorization.Service
	cache     cache.Cache
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	EnergySvc energydomain.Service
	EventSvc  eventdomain.Service
	Limiter   *ratelimit.Limiter
	AuthzSvc  authorization.Service
	Cache     cache.Cache `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:    p.Gin,
		cfg:       p.Cfg,
		energySvc: p.EnergySvc,
		eventSvc:  p.EventSvc,
		limiter:   p.Limiter,
		authzSvc:  p.AuthzSvc,
		cache:     p.Cache,
	}

	svc.registerHealthRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health", s.Health)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.RateLimit(ratelimit.ScopeAPIGeneral, byClientIP))
	api.Use(UserRequired())

	energy := api.Group("/energy")
	energy.GET("/balance", s.GetBalance)
	energy.GET("/can-perform/:action", s.CanPerform)
	energy.POST("/consume", s.RateLimit(ratelimit.ScopeAIGeneration, byUser), s.Consume)
	energy.POST("/refund", s.Refund)
	energy.POST("/purchase", s.RateLimit(ratelimit.ScopeEnergyPurchase, byUser), s.Purchase)
	energy.GET("/transactions", s.ListTransactions)
	energy.GET("/analytics", s.GetAnalytics)

	api.GET("/events", s.ListEvents)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")

	rl := admin.Group("/ratelimit")
	rl.POST("/reset", s.RequireAdmin(authorization.ObjectRateLimit, authorization.ActionRateLimitReset), s.ResetRateLimit)
	rl.GET("/status", s.RequireAdmin(authorization.ObjectRateLimit, authorization.ActionRateLimitView), s.GetRateLimitStatus)
	rl.GET("/stats", s.RequireAdmin(authorization.ObjectRateLimit, authorization.ActionRateLimitView), s.GetRateLimitStats)

	energy := admin.Group("/energy/:user_id")
	energy.GET("", s.RequireAdmin(authorization.ObjectEnergyAccount, authorization.ActionEnergyAccountView), s.AdminGetAccount)
	energy.PUT("/subscription", s.RequireAdmin(authorization.ObjectEnergyAccount, authorization.ActionEnergySubscriptionUpdate), s.UpdateSubscription)
	energy.DELETE("", s.RequireAdmin(authorization.ObjectEnergyAccount, authorization.ActionEnergyAccountDelete), s.DeleteAccount)
	energy.GET("/events", s.RequireAdmin(authorization.ObjectEvents, authorization.ActionEventsView), s.AdminListEvents)
}

// Health reports cache health. A degraded cache never fails the check;
// the ledger keeps serving from the database.
func (s *Server) Health(c *gin.Context) {
	cacheHealth := cache.HealthHealthy
	if s.cache != nil {
		cacheHealth = s.cache.Health(c.Request.Context())
	}

	status := "ok"
	if cacheHealth != cache.HealthHealthy {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"cache":  cacheHealth,
	})
}
