package api

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/bike"
	"github.com/openvelo/openvelo-server/internal/httputil"
	"github.com/openvelo/openvelo-server/internal/session"
	"github.com/openvelo/openvelo-server/internal/ticket"
)

// BikeHandler serves the bike handshake and the admin fleet endpoints.
type BikeHandler struct {
	bikes               bike.Repository
	tracker             *session.Tracker
	lowBatteryThreshold float64
	log                 zerolog.Logger
}

// NewBikeHandler creates a new bike handler.
func NewBikeHandler(bikes bike.Repository, tracker *session.Tracker, lowBatteryThreshold float64,
	logger zerolog.Logger) *BikeHandler {
	return &BikeHandler{
		bikes:               bikes,
		tracker:             tracker,
		lowBatteryThreshold: lowBatteryThreshold,
		log:                 logger,
	}
}

// Connect handles POST /api/v1/bikes/connect. The body is the bike's raw 32-byte Ed25519 public key; the response
// body is the raw challenge the bike must sign before upgrading.
func (h *BikeHandler) Connect(c *fiber.Ctx) error {
	challenge, err := h.tracker.BeginHandshake(c.UserContext(), c.IP(), c.Body())
	if err != nil {
		switch {
		case errors.Is(err, bike.ErrInvalidPublicKey):
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Body must be a 32-byte public key")
		case errors.Is(err, session.ErrIdentityUnknown):
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Identity not recognized")
		case errors.Is(err, ticket.ErrTooManyTickets):
			return httputil.Fail(c, fiber.StatusTooManyRequests, httputil.CodeRateLimited, "Too many open handshakes")
		default:
			h.log.Error().Err(err).Str("handler", "bike").Msg("begin handshake failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		}
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	return c.Send(challenge)
}

// Upgrade handles GET /api/v1/bikes/connect. It upgrades the connection to a WebSocket and hands it to the session
// tracker, which verifies the signed challenge as the first frame. The hex public key rides in the key query
// parameter so the tracker can find the matching ticket.
func (h *BikeHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	key := c.Query("key")
	if len(key) != hex.EncodedLen(ed25519.PublicKeySize) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "key must be a hex-encoded 32-byte public key")
	}
	remote := c.IP()
	ctx := c.UserContext()

	return websocket.New(func(conn *websocket.Conn) {
		h.tracker.ServeConn(ctx, conn.Conn, remote, key)
	})(c)
}

// Register handles POST /api/v1/admin/bikes.
func (h *BikeHandler) Register(c *fiber.Ctx) error {
	var req struct {
		PublicKey string `json:"public_key"`
	}
	if err := c.BodyParser(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}

	key, err := hex.DecodeString(req.PublicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "public_key must be a hex-encoded 32-byte key")
	}

	b, err := h.bikes.Register(c.UserContext(), key)
	if err != nil {
		if errors.Is(err, bike.ErrAlreadyRegistered) {
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeValidationError, "A bike with this public key is already registered")
		}
		h.log.Error().Err(err).Str("handler", "bike").Msg("register bike failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, bikeView(b, h.tracker))
}

// List handles GET /api/v1/admin/bikes, merging persisted bikes with their live session state.
func (h *BikeHandler) List(c *fiber.Ctx) error {
	bikes, err := h.bikes.List(c.UserContext())
	if err != nil {
		h.log.Error().Err(err).Str("handler", "bike").Msg("list bikes failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	views := make([]fiber.Map, 0, len(bikes))
	for i := range bikes {
		views = append(views, bikeView(&bikes[i], h.tracker))
	}
	return httputil.Success(c, views)
}

// SetCirculation handles PATCH /api/v1/admin/bikes/:id/circulation.
func (h *BikeHandler) SetCirculation(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid bike id")
	}

	var req struct {
		InCirculation bool `json:"in_circulation"`
	}
	if err := c.BodyParser(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}

	if err := h.bikes.SetCirculation(c.UserContext(), id, req.InCirculation); err != nil {
		if errors.Is(err, bike.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Bike not found")
		}
		h.log.Error().Err(err).Str("handler", "bike").Msg("set circulation failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{"in_circulation": req.InCirculation})
}

// LowBattery handles GET /api/v1/admin/bikes/low-battery.
func (h *BikeHandler) LowBattery(c *fiber.Ctx) error {
	statuses := h.tracker.LowBattery(h.lowBatteryThreshold)

	views := make([]fiber.Map, 0, len(statuses))
	for _, s := range statuses {
		views = append(views, statusView(s))
	}
	return httputil.Success(c, views)
}

// bikeView merges a bike row with its live session state.
func bikeView(b *bike.Bike, tracker *session.Tracker) fiber.Map {
	view := fiber.Map{
		"id":             b.ID,
		"short_id":       b.ShortID(),
		"in_circulation": b.InCirculation,
		"connected":      tracker.IsConnected(b.ID),
	}
	if level, ok := tracker.BatteryLevel(b.ID); ok {
		view["battery"] = level
	}
	if locked, ok := tracker.IsLocked(b.ID); ok {
		view["locked"] = locked
	}
	if loc, ok := tracker.MostRecentLocation(b.ID); ok {
		view["location"] = loc.Point
		if loc.Pickup != nil {
			view["pickup_id"] = loc.Pickup.ID
		}
	}
	return view
}

// statusView renders a live session snapshot.
func statusView(s session.Status) fiber.Map {
	view := fiber.Map{
		"id":        s.BikeID,
		"short_id":  s.ShortID,
		"connected": s.Connected,
		"locked":    s.Locked,
		"battery":   s.Battery,
	}
	if s.Location != nil {
		view["location"] = s.Location.Point
	}
	return view
}
