package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/energyguard/internal/authorization"
	energydomain "github.com/smallbiznis/energyguard/internal/energy/domain"
	eventdomain "github.com/smallbiznis/energyguard/internal/eventstore/domain"
	"github.com/smallbiznis/energyguard/internal/ratelimit"
	"github.com/smallbiznis/energyguard/pkg/db/pagination"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`

	// insufficient_energy
	Required      *float64          `json:"energy_required,omitempty"`
	Current       *float64          `json:"current_energy,omitempty"`
	Deficit       *float64          `json:"deficit,omitempty"`
	SuggestedPack energydomain.Pack `json:"suggested_pack,omitempty"`

	// rate_limited
	Scope        ratelimit.Scope `json:"scope,omitempty"`
	RetryAfter   *int64          `json:"retry_after,omitempty"`
	BlockedUntil string          `json:"blocked_until,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrUserRequired       = errors.New("user_required")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusTooManyRequests && payload.RetryAfter != nil {
			c.Header("Retry-After", strconv.FormatInt(*payload.RetryAfter, 10))
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var domainErr *energydomain.ValidationError
	if errors.As(err, &domainErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{Field: domainErr.Field, Code: domainErr.Code, Message: domainErr.Message},
			},
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	var insufficient *energydomain.InsufficientEnergyError
	if errors.As(err, &insufficient) {
		return http.StatusPaymentRequired, errorPayload{
			Type:          "insufficient_energy",
			Message:       insufficient.Error(),
			Required:      &insufficient.Required,
			Current:       &insufficient.Current,
			Deficit:       &insufficient.Deficit,
			SuggestedPack: insufficient.SuggestedPack,
		}
	}

	var limited *ratelimit.LimitError
	if errors.As(err, &limited) {
		retryAfter := limited.Details.RetryAfterSeconds()
		if retryAfter < 1 {
			retryAfter = 1
		}
		payload := errorPayload{
			Type:       limited.Error(),
			Message:    "too many requests",
			Scope:      limited.Details.Scope,
			RetryAfter: &retryAfter,
		}
		if limited.Details.BlockedUntil != nil {
			payload.BlockedUntil = limited.Details.BlockedUntil.UTC().Format(timeLayout)
		}
		return http.StatusTooManyRequests, payload
	}

	var rule *energydomain.BusinessRuleError
	if errors.As(err, &rule) {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    rule.Rule,
			Message: rule.Message,
		}
	}

	var transient *energydomain.TransientInfraError
	if errors.As(err, &transient) {
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service temporarily unavailable",
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, energydomain.ErrConcurrencyConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "concurrent update, retry the request",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same type the client sees.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	return payload.Type, payload.Message
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrUserRequired),
		errors.Is(err, energydomain.ErrInvalidUser),
		errors.Is(err, energydomain.ErrInvalidAmount),
		errors.Is(err, energydomain.ErrInvalidPageToken),
		errors.Is(err, eventdomain.ErrInvalidEventType),
		errors.Is(err, eventdomain.ErrInvalidUser),
		errors.Is(err, eventdomain.ErrInvalidPageToken),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, ratelimit.ErrUnknownScope),
		errors.Is(err, ratelimit.ErrInvalidIdentifier):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, energydomain.ErrAccountNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if code == "user_required" {
		return "user"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	if code == "unknown_scope" {
		return "scope"
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "user_required":
		return "X-User-ID header is required"
	case "unknown_scope":
		return "unknown rate limit scope"
	default:
		return "invalid value"
	}
}
