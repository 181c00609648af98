package handler

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/gofiber/fiber/v2"

	"dms/internal/apperr"
	"dms/internal/logging"
)

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function such as (*sql.DB).PingContext to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthCheck pings every dependency and reports 503 if any is down.
func HealthCheck(checks map[string]Pinger, logger *slog.Logger) fiber.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	names := slices.Sorted(maps.Keys(checks))
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		for _, name := range names {
			if err := checks[name].Ping(ctx); err != nil {
				logger.WarnContext(ctx, "health_check_failed", "dependency", name, logging.Error(err))
				return writeError(c, fiber.StatusServiceUnavailable, apperr.CodeUnavailable, "dependency unavailable")
			}
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "healthy"})
	}
}

// LivenessProbe answers 200 while the process is serving.
func LivenessProbe() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	}
}
