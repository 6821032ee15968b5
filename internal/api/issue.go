package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/auth"
	"github.com/openvelo/openvelo-server/internal/httputil"
	"github.com/openvelo/openvelo-server/internal/issue"
)

// IssueHandler serves the rider issue reporting and admin triage endpoints.
type IssueHandler struct {
	issues issue.Repository
	log    zerolog.Logger
}

// NewIssueHandler creates a new issue handler.
func NewIssueHandler(issues issue.Repository, logger zerolog.Logger) *IssueHandler {
	return &IssueHandler{issues: issues, log: logger}
}

// Report handles POST /api/v1/issues.
func (h *IssueHandler) Report(c *fiber.Ctx) error {
	u := auth.UserFrom(c)

	var req struct {
		BikeID      string `json:"bike_id"`
		Description string `json:"description"`
	}
	if err := c.BodyParser(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}
	if strings.TrimSpace(req.Description) == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "description is required")
	}

	var bikeID *uuid.UUID
	if req.BikeID != "" {
		id, err := uuid.Parse(req.BikeID)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid bike id")
		}
		bikeID = &id
	}

	i, err := h.issues.Create(c.UserContext(), u.ID, bikeID, strings.TrimSpace(req.Description))
	if err != nil {
		h.log.Error().Err(err).Str("handler", "issue").Msg("create issue failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, issueView(i))
}

// ListOpen handles GET /api/v1/admin/issues.
func (h *IssueHandler) ListOpen(c *fiber.Ctx) error {
	issues, err := h.issues.ListOpen(c.UserContext())
	if err != nil {
		h.log.Error().Err(err).Str("handler", "issue").Msg("list issues failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	views := make([]fiber.Map, 0, len(issues))
	for i := range issues {
		views = append(views, issueView(&issues[i]))
	}
	return httputil.Success(c, views)
}

// Close handles POST /api/v1/admin/issues/:id/close.
func (h *IssueHandler) Close(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid issue id")
	}

	if err := h.issues.Close(c.UserContext(), id); err != nil {
		switch {
		case errors.Is(err, issue.ErrNotFound):
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Issue not found")
		case errors.Is(err, issue.ErrAlreadyClosed):
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeValidationError, "Issue is already closed")
		default:
			h.log.Error().Err(err).Str("handler", "issue").Msg("close issue failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		}
	}
	return httputil.Success(c, fiber.Map{"closed": true})
}

func issueView(i *issue.Issue) fiber.Map {
	view := fiber.Map{
		"id":          i.ID,
		"description": i.Description,
		"status":      i.Status,
		"opened_at":   i.OpenedAt,
	}
	if i.BikeID != nil {
		view["bike_id"] = *i.BikeID
	}
	if i.ClosedAt != nil {
		view["closed_at"] = *i.ClosedAt
	}
	return view
}
