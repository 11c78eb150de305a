package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/energyguard/internal/authorization"
	obscontext "github.com/smallbiznis/energyguard/internal/observability/context"
	"github.com/smallbiznis/energyguard/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderAdminKey = "X-Admin-Key"

	contextUserIDKey = "user_id"
	contextActorKey  = "actor"
)

// UserRequired reads the caller from X-User-ID. The upstream gateway has
// already authenticated the user.
func UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			AbortWithError(c, ErrUserRequired)
			return
		}

		ctx := obscontext.WithUserID(c.Request.Context(), userID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextUserIDKey, userID)
		c.Next()
	}
}

// RequireAdmin resolves X-Admin-Key to an actor and checks that it may
// perform action on object.
func (s *Server) RequireAdmin(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}

		key := strings.TrimSpace(c.GetHeader(HeaderAdminKey))
		actor, err := s.authzSvc.ResolveAPIKey(key)
		if err != nil {
			logger.FromContext(c.Request.Context()).Warn("admin key rejected",
				zap.String("object", object),
				zap.String("action", action),
				zap.String("key_fingerprint", authorization.KeyFingerprint(key)),
			)
			AbortWithError(c, ErrUnauthorized)
			return
		}

		if err := s.authzSvc.Authorize(c.Request.Context(), actor, object, action); err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextActorKey, actor)
		c.Next()
	}
}

func userIDFromGin(c *gin.Context) string {
	return c.GetString(contextUserIDKey)
}

func actorFromGin(c *gin.Context) string {
	return c.GetString(contextActorKey)
}
