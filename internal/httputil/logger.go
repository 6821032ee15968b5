package httputil

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// RequestLogger returns middleware that writes one structured log line per request: Error for 5xx responses, Warn for
// 4xx, Info otherwise. Register it after the requestid middleware so the id is available in Locals.
func RequestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		var event *zerolog.Event
		switch {
		case status >= fiber.StatusInternalServerError:
			event = logger.Error()
		case status >= fiber.StatusBadRequest:
			event = logger.Warn()
		default:
			event = logger.Info()
		}

		if rid, ok := c.Locals("requestid").(string); ok && rid != "" {
			event = event.Str("request_id", rid)
		}
		event.
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("ip", c.IP()).
			Msg("Request")

		return err
	}
}
