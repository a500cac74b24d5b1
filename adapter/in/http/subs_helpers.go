// Package http exposes the sync pipeline over fiber.
package http

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"subs_server/pkg/apperr"
	"subs_server/pkg/logger"
)

// =============================================================================
// Param helpers
// =============================================================================

// ConnectionIDParam parses the :id path segment.
func ConnectionIDParam(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidInput("id", "must be a positive integer")
	}
	return id, nil
}

// =============================================================================
// Standardized Response Helpers
// =============================================================================

// APIResponse is the envelope for every JSON response.
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SuccessResponse sends a standard success envelope.
func SuccessResponse(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// AppErrorResponse maps apperr codes to HTTP statuses.
func AppErrorResponse(c *fiber.Ctx, err error) error {
	appErr := apperr.AsAppError(err)
	return c.Status(appErr.Status).JSON(APIResponse{
		Success:   false,
		Error:     &APIError{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// InternalErrorResponse logs the real error and returns a generic 500
// so internals never leak to clients.
func InternalErrorResponse(c *fiber.Ctx, err error, operation string) error {
	logger.WithError(err).WithField("operation", operation).Error("internal error")
	return c.Status(500).JSON(APIResponse{
		Success:   false,
		Error:     &APIError{Code: "INTERNAL_ERROR", Message: operation + " failed"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
