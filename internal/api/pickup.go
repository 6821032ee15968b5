package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/geo"
	"github.com/openvelo/openvelo-server/internal/httputil"
	"github.com/openvelo/openvelo-server/internal/pickup"
	"github.com/openvelo/openvelo-server/internal/rental"
	"github.com/openvelo/openvelo-server/internal/reservation"
	"github.com/openvelo/openvelo-server/internal/session"
)

// PickupHandler serves the pickup point endpoints.
type PickupHandler struct {
	pickups      pickup.Repository
	tracker      *session.Tracker
	rentals      *rental.Manager
	reservations *reservation.Manager
	log          zerolog.Logger
}

// NewPickupHandler creates a new pickup handler.
func NewPickupHandler(pickups pickup.Repository, tracker *session.Tracker, rentals *rental.Manager,
	reservations *reservation.Manager, logger zerolog.Logger) *PickupHandler {
	return &PickupHandler{
		pickups:      pickups,
		tracker:      tracker,
		rentals:      rentals,
		reservations: reservations,
		log:          logger,
	}
}

// List handles GET /api/v1/pickups, returning every pickup point with its live availability.
func (h *PickupHandler) List(c *fiber.Ctx) error {
	points, err := h.pickups.List(c.UserContext())
	if err != nil {
		h.log.Error().Err(err).Str("handler", "pickup").Msg("list pickups failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	views := make([]fiber.Map, 0, len(points))
	for i := range points {
		views = append(views, h.pickupView(&points[i]))
	}
	return httputil.Success(c, views)
}

// Availability handles GET /api/v1/pickups/:id/availability.
func (h *PickupHandler) Availability(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid pickup id")
	}

	p, err := h.pickups.GetByID(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, pickup.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Pickup point not found")
		}
		h.log.Error().Err(err).Str("handler", "pickup").Msg("get pickup failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	return httputil.Success(c, h.availabilityView(p.ID))
}

// Create handles POST /api/v1/admin/pickups.
func (h *PickupHandler) Create(c *fiber.Ctx) error {
	var req struct {
		Name string      `json:"name"`
		Area geo.Polygon `json:"area"`
	}
	if err := c.BodyParser(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}
	if req.Name == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "name is required")
	}

	p, err := h.pickups.Create(c.UserContext(), req.Name, req.Area)
	if err != nil {
		switch {
		case errors.Is(err, pickup.ErrInvalidArea):
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "area must have at least 3 vertices")
		case errors.Is(err, pickup.ErrAlreadyExists):
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeValidationError, "A pickup point with this name already exists")
		default:
			h.log.Error().Err(err).Str("handler", "pickup").Msg("create pickup failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		}
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, h.pickupView(p))
}

func (h *PickupHandler) pickupView(p *pickup.Point) fiber.Map {
	return fiber.Map{
		"id":           p.ID,
		"name":         p.Name,
		"area":         p.Area,
		"availability": h.availabilityView(p.ID),
	}
}

// availabilityView counts what a rider can actually take: docked bikes that are connected and not mid-rental, minus
// the open reservations already promised against them.
func (h *PickupHandler) availabilityView(pickupID uuid.UUID) fiber.Map {
	docked := h.tracker.BikesAt(pickupID)
	available := h.rentals.AvailableBikes(docked)
	return fiber.Map{
		"docked":    len(docked),
		"available": len(available),
		"reserved":  h.reservations.OpenAt(pickupID),
		"surplus":   h.reservations.Surplus(pickupID),
	}
}
