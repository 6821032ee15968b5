package api

import (
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/httputil"
	"github.com/openvelo/openvelo-server/internal/sourcer"
	"github.com/openvelo/openvelo-server/internal/stats"
)

const dateFormat = "2006-01-02"

// StatsHandler serves the admin statistics and supply shortage endpoints.
type StatsHandler struct {
	recorder *stats.Recorder
	repo     stats.Repository
	sourcer  *sourcer.Sourcer
	log      zerolog.Logger
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(recorder *stats.Recorder, repo stats.Repository, src *sourcer.Sourcer,
	logger zerolog.Logger) *StatsHandler {
	return &StatsHandler{recorder: recorder, repo: repo, sourcer: src, log: logger}
}

// Today handles GET /api/v1/admin/stats/today, returning the in-memory counters for the current day. The flushed row
// may lag by up to one flush period; this view never does.
func (h *StatsHandler) Today(c *fiber.Ctx) error {
	return httputil.Success(c, h.recorder.Today())
}

// Range handles GET /api/v1/admin/stats?from=YYYY-MM-DD&to=YYYY-MM-DD.
func (h *StatsHandler) Range(c *fiber.Ctx) error {
	from, err := time.Parse(dateFormat, c.Query("from"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "from must be a YYYY-MM-DD date")
	}
	to, err := time.Parse(dateFormat, c.Query("to"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "to must be a YYYY-MM-DD date")
	}
	if to.Before(from) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "to must not be before from")
	}

	days, err := h.repo.ListDays(c.UserContext(), from, to)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "stats").Msg("list days failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	dates := make([]time.Time, 0, len(days))
	for day := range days {
		dates = append(dates, day)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	views := make([]fiber.Map, 0, len(dates))
	for _, day := range dates {
		views = append(views, fiber.Map{
			"date":     day.Format(dateFormat),
			"counters": days[day],
		})
	}
	return httputil.Success(c, views)
}

// Shortages handles GET /api/v1/admin/shortages, listing pickup points where upcoming reservations exceed the free
// bikes on the ground.
func (h *StatsHandler) Shortages(c *fiber.Ctx) error {
	return httputil.Success(c, h.sourcer.Shortages())
}
