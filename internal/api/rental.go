package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/auth"
	"github.com/openvelo/openvelo-server/internal/httputil"
	"github.com/openvelo/openvelo-server/internal/rental"
	"github.com/openvelo/openvelo-server/internal/rpc"
	"github.com/openvelo/openvelo-server/internal/session"
)

// RentalHandler serves the rider rental endpoints.
type RentalHandler struct {
	rentals *rental.Manager
	repo    rental.Repository
	log     zerolog.Logger
}

// NewRentalHandler creates a new rental handler.
func NewRentalHandler(rentals *rental.Manager, repo rental.Repository, logger zerolog.Logger) *RentalHandler {
	return &RentalHandler{rentals: rentals, repo: repo, log: logger}
}

// Start handles POST /api/v1/rentals.
func (h *RentalHandler) Start(c *fiber.Ctx) error {
	u := auth.UserFrom(c)

	var req struct {
		BikeID string `json:"bike_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}
	bikeID, err := uuid.Parse(req.BikeID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid bike id")
	}

	r, err := h.rentals.Start(c.UserContext(), u.ID, bikeID)
	if err != nil {
		return h.mapRentalError(c, err, "start rental failed")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, rentalView(r))
}

// Active handles GET /api/v1/rentals/active. With with_locations=true the view carries the bike's start and current
// positions.
func (h *RentalHandler) Active(c *fiber.Ctx) error {
	u := auth.UserFrom(c)

	r, ok := h.rentals.ActiveRental(u.ID)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeInactiveRental, "No active rental")
	}

	view := rentalView(r)
	if c.QueryBool("with_locations") {
		start, current := h.rentals.Locations(c.UserContext(), r)
		if start != nil {
			view["start_location"] = start
		}
		if current != nil {
			view["current_location"] = current
		}
	}
	return httputil.Success(c, view)
}

// History handles GET /api/v1/rentals. The limit query parameter caps the page size at 100, defaulting to 50.
func (h *RentalHandler) History(c *fiber.Ctx) error {
	u := auth.UserFrom(c)

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 100 {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "limit must be between 1 and 100")
	}

	rentals, err := h.repo.ListByUser(c.UserContext(), u.ID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "rental").Msg("list rentals failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	views := make([]fiber.Map, 0, len(rentals))
	for i := range rentals {
		views = append(views, rentalView(&rentals[i]))
	}
	return httputil.Success(c, views)
}

// Estimate handles GET /api/v1/rentals/estimate: the price of the active rental if it were returned right now.
func (h *RentalHandler) Estimate(c *fiber.Ctx) error {
	u := auth.UserFrom(c)

	price, err := h.rentals.EstimatePrice(u.ID)
	if err != nil {
		return h.mapRentalError(c, err, "estimate price failed")
	}
	return httputil.Success(c, fiber.Map{"price": price})
}

// Return handles POST /api/v1/rentals/return, ending the rental and charging the ride.
func (h *RentalHandler) Return(c *fiber.Ctx) error {
	u := auth.UserFrom(c)

	r, err := h.rentals.Finish(c.UserContext(), u.ID)
	if err != nil {
		return h.mapRentalError(c, err, "finish rental failed")
	}
	return httputil.Success(c, rentalView(r))
}

// Cancel handles POST /api/v1/rentals/cancel, ending the rental without charge.
func (h *RentalHandler) Cancel(c *fiber.Ctx) error {
	u := auth.UserFrom(c)

	r, err := h.rentals.Cancel(c.UserContext(), u.ID)
	if err != nil {
		return h.mapRentalError(c, err, "cancel rental failed")
	}
	return httputil.Success(c, rentalView(r))
}

// SetLock handles POST /api/v1/rentals/lock, locking or unlocking the bike mid-rental.
func (h *RentalHandler) SetLock(c *fiber.Ctx) error {
	u := auth.UserFrom(c)

	var req struct {
		Locked bool `json:"locked"`
	}
	if err := c.BodyParser(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}

	if err := h.rentals.SetLock(c.UserContext(), u.ID, req.Locked); err != nil {
		return h.mapRentalError(c, err, "set lock failed")
	}
	return httputil.Success(c, fiber.Map{"locked": req.Locked})
}

// mapRentalError translates manager errors into stable API error codes.
func (h *RentalHandler) mapRentalError(c *fiber.Ctx, err error, logMsg string) error {
	switch {
	case errors.Is(err, rental.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Rental not found")
	case errors.Is(err, rental.ErrActiveRental):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeActiveRental, "You already have an active rental")
	case errors.Is(err, rental.ErrCurrentlyRented):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeCurrentlyRented, "This bike is currently rented")
	case errors.Is(err, rental.ErrInactiveRental):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeInactiveRental, "No active rental")
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, rpc.ErrTimeout),
		errors.Is(err, rpc.ErrDisconnected):
		return httputil.Fail(c, fiber.StatusBadGateway, httputil.CodeBikeUnreachable, "The bike is not responding")
	default:
		h.log.Error().Err(err).Str("handler", "rental").Msg(logMsg)
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
}

// rentalView renders a rental for API responses.
func rentalView(r *rental.Rental) fiber.Map {
	view := fiber.Map{
		"id":         r.ID,
		"bike_id":    r.BikeID,
		"started_at": r.StartedAt,
		"open":       r.Open(),
	}
	if r.EndedAt != nil {
		view["ended_at"] = r.EndedAt
	}
	if r.Price != nil {
		view["price"] = *r.Price
	}
	return view
}
