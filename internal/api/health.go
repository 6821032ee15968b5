// Package api serves the HTTP surface: rider endpoints, the bike handshake, and the operations/admin endpoints. All
// handlers translate core package errors into the stable error codes of httputil; business rules live in the
// managers, never here.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/openvelo/openvelo-server/internal/httputil"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	db  *pgxpool.Pool
	rdb *redis.Client
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db *pgxpool.Pool, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb}
}

// Health pings PostgreSQL and Valkey, returning component status.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	pgStatus := "ok"
	if err := h.db.Ping(ctx); err != nil {
		pgStatus = "unavailable"
	}

	vkStatus := "ok"
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		vkStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if pgStatus != "ok" || vkStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":   overall,
		"postgres": pgStatus,
		"valkey":   vkStatus,
	})
}
