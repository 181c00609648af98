package middleware

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"dms/internal/logging"
)

// Logger logs one line per request with method, path, status, latency (ms) and
// the authenticated subject. request_id comes from the user context set by
// RequestID. Headers are never logged, so bearer tokens stay out of the logs.
func Logger(logger *slog.Logger) fiber.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		status := responseStatus(c, err)
		level := slog.LevelInfo
		switch {
		case status >= fiber.StatusInternalServerError:
			level = slog.LevelError
		case status >= fiber.StatusBadRequest:
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Float64("latency", float64(time.Since(start).Microseconds())/1000),
		}
		if sub, ok := c.Locals(SubjectLocalKey).(string); ok && sub != "" {
			attrs = append(attrs, slog.String(logging.FieldSubject, sub))
		}
		if err != nil && status >= fiber.StatusInternalServerError {
			attrs = append(attrs, logging.Error(err))
		}
		logger.LogAttrs(c.UserContext(), level, "http_request", attrs...)

		return err
	}
}
