package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"optionsBot/internal/ports"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeBrokerError      = "BROKER_ERROR"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

func success(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{Success: true, Data: data})
}

func failure(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Response{Success: false, Error: &Error{Code: code, Message: message}})
}

// handleError maps ports errors onto HTTP responses.
func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ports.ErrUnknownTemplate), errors.Is(err, ports.ErrNotFound):
		failure(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, ports.ErrMaxOpenTrades),
		errors.Is(err, ports.ErrTradingDisabled),
		errors.Is(err, ports.ErrNotConnected),
		errors.Is(err, ports.ErrNoConnector):
		failure(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, ports.ErrMinimumPremium),
		errors.Is(err, ports.ErrOrderPreparation),
		errors.Is(err, ports.ErrInvalidRequest):
		failure(c, http.StatusUnprocessableEntity, ErrCodeValidationFailed, err.Error())
	case errors.Is(err, ports.ErrOrderPlacementFailed):
		failure(c, http.StatusBadGateway, ErrCodeBrokerError, err.Error())
	default:
		failure(c, http.StatusInternalServerError, ErrCodeInternalError, "An unexpected error occurred")
	}
}
