package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	energydomain "github.com/smallbiznis/energyguard/internal/energy/domain"
	"github.com/smallbiznis/energyguard/pkg/db/pagination"
)

const HeaderIdempotencyKey = "Idempotency-Key"

type consumeRequest struct {
	Action         string         `json:"action"`
	IdempotencyKey string         `json:"idempotency_key"`
	Context        map[string]any `json:"context"`
}

type refundRequest struct {
	Amount         float64        `json:"amount"`
	Reason         string         `json:"reason"`
	IdempotencyKey string         `json:"idempotency_key"`
	Context        map[string]any `json:"context"`
}

type purchaseRequest struct {
	Pack             string `json:"pack"`
	PaymentReference string `json:"payment_reference"`
}

func (s *Server) GetBalance(c *gin.Context) {
	resp, err := s.energySvc.CheckBalance(c.Request.Context(), userIDFromGin(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CanPerform(c *gin.Context) {
	action := strings.TrimSpace(c.Param("action"))
	resp, err := s.energySvc.CanPerformAction(c.Request.Context(), userIDFromGin(c), action)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) Consume(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.energySvc.Consume(c.Request.Context(), energydomain.ConsumeRequest{
		UserID:         userIDFromGin(c),
		Action:         strings.TrimSpace(req.Action),
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Context:        req.Context,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) Refund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.energySvc.Refund(c.Request.Context(), energydomain.RefundRequest{
		UserID:         userIDFromGin(c),
		Amount:         req.Amount,
		Reason:         strings.TrimSpace(req.Reason),
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Context:        req.Context,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) Purchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	reference := strings.TrimSpace(req.PaymentReference)
	if reference == "" {
		AbortWithError(c, newValidationError("payment_reference", "required", "payment_reference is required"))
		return
	}

	resp, err := s.energySvc.PurchaseEnergy(c.Request.Context(), energydomain.PurchaseRequest{
		UserID:           userIDFromGin(c),
		Pack:             strings.TrimSpace(req.Pack),
		PaymentReference: reference,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListTransactions(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Kind string `form:"kind"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.energySvc.GetUserTransactions(c.Request.Context(), energydomain.TransactionQuery{
		Pagination: query.Pagination,
		UserID:     userIDFromGin(c),
		Kind:       energydomain.TransactionKind(strings.TrimSpace(query.Kind)),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetAnalytics(c *gin.Context) {
	days, err := parseOptionalInt(c.Query("days"))
	if err != nil {
		AbortWithError(c, newValidationError("days", "invalid_days", "invalid days"))
		return
	}
	period := 0
	if days != nil {
		period = *days
	}

	resp, err := s.energySvc.GetEnergyAnalytics(c.Request.Context(), userIDFromGin(c), period)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// idempotencyKey prefers the header over the body field.
func idempotencyKey(c *gin.Context, fromBody string) string {
	if key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)); key != "" {
		return key
	}
	return strings.TrimSpace(fromBody)
}
