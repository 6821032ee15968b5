package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/auth"
	"github.com/openvelo/openvelo-server/internal/httputil"
	"github.com/openvelo/openvelo-server/internal/pickup"
	"github.com/openvelo/openvelo-server/internal/rental"
	"github.com/openvelo/openvelo-server/internal/reservation"
	"github.com/openvelo/openvelo-server/internal/rpc"
	"github.com/openvelo/openvelo-server/internal/session"
)

// ReservationHandler serves the rider reservation endpoints.
type ReservationHandler struct {
	reservations *reservation.Manager
	log          zerolog.Logger
}

// NewReservationHandler creates a new reservation handler.
func NewReservationHandler(reservations *reservation.Manager, logger zerolog.Logger) *ReservationHandler {
	return &ReservationHandler{reservations: reservations, log: logger}
}

// Reserve handles POST /api/v1/reservations.
func (h *ReservationHandler) Reserve(c *fiber.Ctx) error {
	u := auth.UserFrom(c)

	var req struct {
		PickupID    string `json:"pickup_id"`
		ReservedFor string `json:"reserved_for"`
	}
	if err := c.BodyParser(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}
	pickupID, err := uuid.Parse(req.PickupID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid pickup id")
	}
	reservedFor, err := time.Parse(time.RFC3339, req.ReservedFor)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "reserved_for must be an RFC 3339 timestamp")
	}

	res, err := h.reservations.Reserve(c.UserContext(), u.ID, pickupID, reservedFor)
	if err != nil {
		switch {
		case errors.Is(err, reservation.ErrPastTime):
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "reserved_for must be in the future")
		case errors.Is(err, pickup.ErrNotFound):
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Pickup point not found")
		case errors.Is(err, reservation.ErrReservationExists):
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeReservationExists, "You already have an open reservation")
		case errors.Is(err, reservation.ErrInsufficientSupply):
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeInsufficientSupply, "No free bikes at this pickup point")
		default:
			h.log.Error().Err(err).Str("handler", "reservation").Msg("reserve failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		}
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, reservationView(res))
}

// Active handles GET /api/v1/reservations/active.
func (h *ReservationHandler) Active(c *fiber.Ctx) error {
	u := auth.UserFrom(c)

	res, ok := h.reservations.ReservationOf(u.ID)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "No open reservation")
	}
	return httputil.Success(c, reservationView(res))
}

// Claim handles POST /api/v1/reservations/claim: within the claim window it converts the reservation into a rental.
// The rider may name a bike standing at the reserved pickup point; without one a free bike there is picked at random.
func (h *ReservationHandler) Claim(c *fiber.Ctx) error {
	u := auth.UserFrom(c)

	var req struct {
		PickupID string `json:"pickup_id"`
		BikeID   string `json:"bike_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}
	pickupID, err := uuid.Parse(req.PickupID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid pickup id")
	}
	var bikeID *uuid.UUID
	if req.BikeID != "" {
		id, err := uuid.Parse(req.BikeID)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid bike id")
		}
		bikeID = &id
	}

	r, err := h.reservations.Claim(c.UserContext(), u.ID, pickupID, bikeID)
	if err != nil {
		switch {
		case errors.Is(err, reservation.ErrNoReservation):
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "No open reservation")
		case errors.Is(err, reservation.ErrWrongPickup):
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeWrongPickup, "Reservation is for a different pickup point")
		case errors.Is(err, reservation.ErrOutsideWindow):
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeOutsideWindow, "Outside the claim window")
		case errors.Is(err, reservation.ErrNoBikes):
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeNoBikes, "No free bikes at this pickup point")
		case errors.Is(err, rental.ErrActiveRental):
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeActiveRental, "You already have an active rental")
		case errors.Is(err, rental.ErrCurrentlyRented):
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeCurrentlyRented, "The bike was taken, try again")
		case errors.Is(err, session.ErrNotConnected),
			errors.Is(err, rpc.ErrTimeout),
			errors.Is(err, rpc.ErrDisconnected):
			return httputil.Fail(c, fiber.StatusBadGateway, httputil.CodeBikeUnreachable, "The bike is not responding")
		default:
			h.log.Error().Err(err).Str("handler", "reservation").Msg("claim failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		}
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, rentalView(r))
}

// Cancel handles DELETE /api/v1/reservations.
func (h *ReservationHandler) Cancel(c *fiber.Ctx) error {
	u := auth.UserFrom(c)

	if err := h.reservations.Cancel(c.UserContext(), u.ID); err != nil {
		if errors.Is(err, reservation.ErrNoReservation) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "No open reservation")
		}
		h.log.Error().Err(err).Str("handler", "reservation").Msg("cancel reservation failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"cancelled": true})
}

// reservationView renders a reservation for API responses.
func reservationView(res *reservation.Reservation) fiber.Map {
	view := fiber.Map{
		"id":           res.ID,
		"pickup_id":    res.PickupID,
		"reserved_for": res.ReservedFor,
		"open":         res.Open(),
	}
	if res.Outcome != nil {
		view["outcome"] = *res.Outcome
	}
	return view
}
