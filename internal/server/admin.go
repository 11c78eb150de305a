package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	energydomain "github.com/smallbiznis/energyguard/internal/energy/domain"
	"github.com/smallbiznis/energyguard/internal/observability/logger"
	"github.com/smallbiznis/energyguard/internal/ratelimit"
	"go.uber.org/zap"
)

type rateLimitTargetRequest struct {
	Identifier string `json:"identifier" form:"identifier"`
	Scope      string `json:"scope" form:"scope"`
}

type updateSubscriptionRequest struct {
	SubscriptionType string `json:"subscription_type"`
}

func (s *Server) ResetRateLimit(c *gin.Context) {
	var req rateLimitTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	scope, err := ratelimit.ParseScope(req.Scope)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	cleared, err := s.limiter.Reset(c.Request.Context(), req.Identifier, scope)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("rate limit reset",
		zap.String("actor", actorFromGin(c)),
		zap.String("scope", string(scope)),
		zap.Bool("cleared", cleared),
	)

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"scope": scope, "cleared": cleared}})
}

func (s *Server) GetRateLimitStatus(c *gin.Context) {
	var req rateLimitTargetRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	scope, err := ratelimit.ParseScope(req.Scope)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.limiter.Status(c.Request.Context(), req.Identifier, scope)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetRateLimitStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.limiter.Stats()})
}

func (s *Server) AdminGetAccount(c *gin.Context) {
	resp, err := s.energySvc.CheckBalance(c.Request.Context(), strings.TrimSpace(c.Param("user_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateSubscription(c *gin.Context) {
	var req updateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	plan, err := energydomain.ParseSubscriptionType(strings.TrimSpace(req.SubscriptionType))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	userID := strings.TrimSpace(c.Param("user_id"))
	resp, err := s.energySvc.UpdateSubscription(c.Request.Context(), userID, plan)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("subscription updated",
		zap.String("actor", actorFromGin(c)),
		zap.String("subscription_type", string(plan)),
	)

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteAccount(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if err := s.energySvc.DeleteAccount(c.Request.Context(), userID); err != nil {
		AbortWithError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("energy account deleted",
		zap.String("actor", actorFromGin(c)),
	)

	c.Status(http.StatusNoContent)
}
