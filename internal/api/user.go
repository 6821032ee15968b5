package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/auth"
	"github.com/openvelo/openvelo-server/internal/httputil"
	"github.com/openvelo/openvelo-server/internal/rental"
	"github.com/openvelo/openvelo-server/internal/user"
)

// UserHandler serves the account endpoints.
type UserHandler struct {
	users   user.Repository
	rentals *rental.Manager
	log     zerolog.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(users user.Repository, rentals *rental.Manager, logger zerolog.Logger) *UserHandler {
	return &UserHandler{users: users, rentals: rentals, log: logger}
}

// Me handles GET /api/v1/users/me.
func (h *UserHandler) Me(c *fiber.Ctx) error {
	u := auth.UserFrom(c)
	return httputil.Success(c, userView(u))
}

// SetPayment handles PUT /api/v1/users/me/payment, attaching the payment provider's customer id to the account.
func (h *UserHandler) SetPayment(c *fiber.Ctx) error {
	u := auth.UserFrom(c)

	var req struct {
		CustomerID string `json:"customer_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}
	if req.CustomerID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "customer_id is required")
	}

	if err := h.users.SetPaymentCustomerID(c.UserContext(), u.ID, req.CustomerID); err != nil {
		h.log.Error().Err(err).Str("handler", "user").Msg("set payment customer failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"customer_id": req.CustomerID})
}

// Delete handles DELETE /api/v1/users/me. An account with an active rental cannot be deleted.
func (h *UserHandler) Delete(c *fiber.Ctx) error {
	u := auth.UserFrom(c)

	if h.rentals.HasActiveRental(u.ID) {
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeActiveRental, "Return your rental before deleting the account")
	}

	if err := h.users.Delete(c.UserContext(), u.ID); err != nil {
		h.log.Error().Err(err).Str("handler", "user").Msg("delete user failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"deleted": true})
}

// SetAdmin handles PATCH /api/v1/admin/users/:id/admin.
func (h *UserHandler) SetAdmin(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid user id")
	}

	var req struct {
		Admin bool `json:"admin"`
	}
	if err := c.BodyParser(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}

	if err := h.users.SetAdmin(c.UserContext(), id, req.Admin); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "User not found")
		}
		h.log.Error().Err(err).Str("handler", "user").Msg("set admin failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"admin": req.Admin})
}

func userView(u *user.User) fiber.Map {
	view := fiber.Map{
		"id":           u.ID,
		"display_name": u.DisplayName,
		"email":        u.Email,
		"admin":        u.Admin,
		"created_at":   u.CreatedAt,
	}
	if u.PaymentCustomerID != nil {
		view["payment_customer_id"] = *u.PaymentCustomerID
	}
	return view
}
