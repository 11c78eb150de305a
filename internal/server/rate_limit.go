package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/energyguard/internal/observability/logger"
	"github.com/smallbiznis/energyguard/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// identifierFunc picks what a request is limited by.
type identifierFunc func(c *gin.Context) string

func byClientIP(c *gin.Context) string {
	return c.ClientIP()
}

func byUser(c *gin.Context) string {
	return userIDFromGin(c)
}

// RateLimit checks every request against scope. Limiter errors only come
// from misconfiguration and never block traffic.
func (s *Server) RateLimit(scope ratelimit.Scope, identify identifierFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || !s.cfg.RateLimit.Enabled {
			c.Next()
			return
		}

		identifier := strings.TrimSpace(identify(c))
		if identifier == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)
		result, details, err := s.limiter.Check(ctx, identifier, scope, ratelimit.RequestInfo{
			Method:   c.Request.Method,
			Endpoint: endpoint,
		})
		if err != nil {
			logger.FromContext(ctx).Warn("rate limit check failed",
				zap.String("scope", string(scope)),
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			c.Next()
			return
		}

		setRateLimitHeaders(c, details)
		if result != ratelimit.ResultAllowed {
			logger.FromContext(ctx).Warn("rate limit exceeded",
				zap.String("scope", string(scope)),
				zap.String("result", string(result)),
				zap.String("endpoint", endpoint),
				zap.String("source", details.Source),
			)
			AbortWithError(c, &ratelimit.LimitError{Result: result, Details: details})
			return
		}

		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, details ratelimit.Details) {
	c.Header(HeaderRateLimitLimit, strconv.FormatInt(details.Limit, 10))
	c.Header(HeaderRateLimitRemaining, strconv.FormatInt(max(details.Remaining, 0), 10))
	if details.ResetAt != nil {
		c.Header(HeaderRateLimitReset, strconv.FormatInt(details.ResetAt.Unix(), 10))
	}
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
