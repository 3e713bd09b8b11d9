// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/session-hub/backend/internal/model"
)

// GlobalRoom is the hub name shared by every client of the chat endpoints.
const GlobalRoom = "global"

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SuccessResponse acknowledges an accepted submission.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendHubError maps hub and store failures to HTTP responses.
func sendHubError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, model.ErrMalformedPayload):
		sendError(c, http.StatusBadRequest, "MALFORMED_PAYLOAD", "Invalid request body")
	case errors.As(err, &tooLarge):
		sendError(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", err.Error())
	case errors.Is(err, model.ErrHubClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		sendError(c, http.StatusServiceUnavailable, "HUB_UNAVAILABLE", "Hub is not available, retry")
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
