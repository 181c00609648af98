package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"dms/internal/apperr"
)

// Status returns the HTTP status a handler error will be rendered with.
func Status(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, apperr.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, apperr.ErrUnauthenticated):
		return fiber.StatusUnauthorized
	case errors.Is(err, apperr.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, apperr.ErrTooLarge):
		return fiber.StatusRequestEntityTooLarge
	case errors.Is(err, apperr.ErrRateLimited):
		return fiber.StatusTooManyRequests
	case errors.Is(err, apperr.ErrTransient):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// responseStatus is the status of the finished request, accounting for an error
// the global error handler has not rendered yet.
func responseStatus(c *fiber.Ctx, err error) int {
	if err != nil {
		return Status(err)
	}
	return c.Response().StatusCode()
}
