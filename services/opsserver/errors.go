package opsserver

import (
	"errors"
	"net/http"

	"sjsage522/pricetracker/internal/queue"
	apperrors "sjsage522/pricetracker/pkg/errors"

	"github.com/gin-gonic/gin"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var errInvalidRequest = errors.New("invalid request")

// ErrorHandlingMiddleware renders the last handler error as JSON
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
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

// AbortWithError records err for ErrorHandlingMiddleware and stops the chain
func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	if errors.Is(err, errInvalidRequest) {
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}
	}

	errType := apperrors.Classify(err)
	payload := errorPayload{Type: string(errType), Message: err.Error()}

	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound, payload
	case errors.Is(err, queue.ErrItemBusy), errors.Is(err, queue.ErrItemRetired), errors.Is(err, queue.ErrLostClaim):
		return http.StatusConflict, payload
	}

	switch errType {
	case apperrors.ErrorTypeConfiguration:
		return http.StatusNotFound, payload
	case apperrors.ErrorTypePermanent:
		return http.StatusUnprocessableEntity, payload
	case apperrors.ErrorTypeRefreshIntegrity:
		return http.StatusBadGateway, payload
	case apperrors.ErrorTypeRateLimit:
		return http.StatusTooManyRequests, payload
	case apperrors.ErrorTypeTransient, apperrors.ErrorTypeStore, apperrors.ErrorTypeCanceled:
		return http.StatusServiceUnavailable, payload
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}
