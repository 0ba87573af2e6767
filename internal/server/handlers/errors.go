package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mantonx/mediarelay/internal/logger"
	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Error   ErrorDetails `json:"error"`
	Success bool         `json:"success"`
}

// ErrorDetails contains detailed error information
type ErrorDetails struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// statusFor maps a pipeline error type to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, terrors.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, terrors.ErrSessionBusy):
		return http.StatusConflict
	}
	switch terrors.GetType(err) {
	case terrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case terrors.ErrorTypeUnsupportedStream:
		return http.StatusUnprocessableEntity
	case terrors.ErrorTypeRateLimited:
		return http.StatusTooManyRequests
	case terrors.ErrorTypeInsufficientMemory, terrors.ErrorTypeProbe:
		return http.StatusServiceUnavailable
	case terrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case terrors.ErrorTypeFetch:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// RespondWithError sends a structured error response
func RespondWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", c.FullPath(), "error", err)
	} else {
		logger.Debug("request rejected", "path", c.FullPath(), "status", status, "error", err)
	}

	c.JSON(status, ErrorResponse{
		Success: false,
		Error: ErrorDetails{
			Code:      string(terrors.GetType(err)),
			Message:   err.Error(),
			Retryable: terrors.IsRetryable(err),
			Context:   terrors.GetDetails(err),
		},
	})
}

func badRequest(c *gin.Context, err error) {
	RespondWithError(c, terrors.ValidationError("bind", errors.Join(terrors.ErrInvalidInput, err)))
}
