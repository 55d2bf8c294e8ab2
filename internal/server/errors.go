package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/tallylabs/tally/internal/balance/domain"
	entitlementdomain "github.com/tallylabs/tally/internal/entitlement/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
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

func mapError(err error) (int, errorPayload) {
	var shortfall *balancedomain.InsufficientBalanceError
	switch {
	case errors.As(err, &shortfall):
		return http.StatusPaymentRequired, errorPayload{
			Type:    string(shortfall.Cause),
			Message: shortfall.Error(),
		}
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, balancedomain.ErrInvalidDeduction),
		errors.Is(err, balancedomain.ErrInvalidCustomerID):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, balancedomain.ErrMissingOrg):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, balancedomain.ErrFeatureNotFound),
		errors.Is(err, entitlementdomain.ErrEntitlementNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, balancedomain.ErrUnsupportedConfig):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unsupported_configuration",
			Message: "this balance cannot be tracked through the cache path",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, balancedomain.ErrTransientStore):
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

// classifyErrorForLog keeps request logs low-noise: expected business
// failures log as their type, everything else as internal.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	if balancedomain.IsInsufficientBalance(err) {
		return "validation_error", "insufficient_balance"
	}
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, balancedomain.ErrInvalidDeduction),
		errors.Is(err, balancedomain.ErrInvalidCustomerID):
		return "validation_error", "invalid_request"
	case errors.Is(err, balancedomain.ErrFeatureNotFound):
		return "not_found", "feature_not_found"
	case errors.Is(err, balancedomain.ErrTransientStore):
		return "unavailable", "transient_store_error"
	default:
		return "internal_error", "internal"
	}
}
