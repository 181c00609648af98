package middleware

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"dms/internal/apperr"
	"dms/internal/logging"
	"dms/internal/ratelimit"
)

// RateLimit admits requests per authenticated subject, or per client IP before
// authentication. A limiter failure lets the request through.
func RateLimit(l ratelimit.Limiter, window time.Duration, logger *slog.Logger) fiber.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	retryAfter := strconv.Itoa(int(window.Round(time.Second) / time.Second))

	return func(c *fiber.Ctx) error {
		key, ok := c.Locals(SubjectLocalKey).(string)
		if !ok || key == "" {
			key = "ip:" + c.IP()
		}

		allowed, err := l.Allow(c.UserContext(), key)
		if err != nil {
			logger.WarnContext(c.UserContext(), "rate_limit_unavailable", logging.Error(err))
			return c.Next()
		}
		if !allowed {
			c.Set(fiber.HeaderRetryAfter, retryAfter)
			return apperr.RateLimited("too many requests")
		}
		return c.Next()
	}
}
