package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	eventdomain "github.com/smallbiznis/energyguard/internal/eventstore/domain"
	"github.com/smallbiznis/energyguard/pkg/db/pagination"
)

type listEventsQuery struct {
	pagination.Pagination
	Type  string `form:"type"`
	Since string `form:"since"`
}

func (s *Server) ListEvents(c *gin.Context) {
	s.listEvents(c, userIDFromGin(c))
}

// AdminListEvents lists another user's events for support.
func (s *Server) AdminListEvents(c *gin.Context) {
	s.listEvents(c, strings.TrimSpace(c.Param("user_id")))
}

func (s *Server) listEvents(c *gin.Context, userID string) {
	var query listEventsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	since, err := parseOptionalTime(query.Since)
	if err != nil {
		AbortWithError(c, newValidationError("since", "invalid_since", "invalid since"))
		return
	}

	resp, err := s.eventSvc.GetUserEvents(c.Request.Context(), eventdomain.Query{
		Pagination: query.Pagination,
		UserID:     userID,
		Type:       eventdomain.EventType(strings.TrimSpace(query.Type)),
		Since:      since,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
