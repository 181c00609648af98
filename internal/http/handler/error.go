package handler

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"dms/internal/apperr"
	"dms/internal/http/middleware"
	"dms/internal/logging"
)

// errorPayload defines the standardized error response body.
type errorPayload struct {
	RequestID string        `json:"request_id"`
	Error     errorEnvelope `json:"error"`
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// requestIDFromCtx extracts request_id previously stored by middleware.RequestID.
func requestIDFromCtx(c *fiber.Ctx) string {
	if v := c.Locals(middleware.RequestIDLocalKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// writeError writes a standardized JSON error response without leaking internal errors.
//
// Parameters:
// - status: HTTP status code to return
// - code: machine-readable short error code (e.g., "VALIDATION_ERROR", "NOT_FOUND", "INTERNAL_ERROR")
// - message: human-readable safe message (no internal details)
func writeError(c *fiber.Ctx, status int, code, message string) error {
	res := errorPayload{
		RequestID: requestIDFromCtx(c),
		Error: errorEnvelope{
			Code:    code,
			Message: message,
		},
	}
	return c.Status(status).JSON(res)
}

// ErrorHandler returns a Fiber global error handler that standardizes error responses.
// Classified errors keep their code and message; anything else is logged and
// reported as INTERNAL_ERROR.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			switch fe.Code {
			case fiber.StatusBadRequest:
				return writeError(c, fe.Code, apperr.CodeValidation, "bad request")
			case fiber.StatusNotFound:
				return writeError(c, fe.Code, apperr.CodeNotFound, "resource not found")
			case fiber.StatusMethodNotAllowed:
				return writeError(c, fe.Code, "METHOD_NOT_ALLOWED", "method not allowed")
			case fiber.StatusRequestEntityTooLarge:
				return writeError(c, fe.Code, apperr.CodeTooLarge, "request body too large")
			default:
				return writeError(c, fiber.StatusInternalServerError, apperr.CodeInternal, "internal server error")
			}
		}

		status := middleware.Status(err)
		switch status {
		case fiber.StatusUnauthorized:
			c.Set(fiber.HeaderWWWAuthenticate, `Bearer realm="dms"`)
		case fiber.StatusServiceUnavailable:
			c.Set(fiber.HeaderRetryAfter, "5")
		case fiber.StatusInternalServerError:
			logger.ErrorContext(c.UserContext(), "unhandled_error", logging.Error(err), "path", c.Path())
			return writeError(c, status, apperr.CodeInternal, "internal server error")
		}
		return writeError(c, status, apperr.Code(err), apperr.Message(err))
	}
}
