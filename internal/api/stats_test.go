package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/eventhub"
	"github.com/openvelo/openvelo-server/internal/fleet"
	"github.com/openvelo/openvelo-server/internal/sourcer"
	"github.com/openvelo/openvelo-server/internal/stats"
)

// fakeStatsRepo implements stats.Repository for handler tests.
type fakeStatsRepo struct {
	days map[time.Time]stats.Counters
}

func newFakeStatsRepo() *fakeStatsRepo {
	return &fakeStatsRepo{days: make(map[time.Time]stats.Counters)}
}

func (r *fakeStatsRepo) UpsertDay(_ context.Context, day time.Time, c stats.Counters) error {
	r.days[day] = c
	return nil
}

func (r *fakeStatsRepo) GetDay(_ context.Context, day time.Time) (stats.Counters, error) {
	c, ok := r.days[day]
	if !ok {
		return stats.Counters{}, stats.ErrNoReport
	}
	return c, nil
}

func (r *fakeStatsRepo) ListDays(_ context.Context, from, to time.Time) (map[time.Time]stats.Counters, error) {
	out := make(map[time.Time]stats.Counters)
	for day, c := range r.days {
		if !day.Before(from) && !day.After(to) {
			out[day] = c
		}
	}
	return out, nil
}

// fakeSupply implements sourcer.SupplySource with unlimited bikes everywhere.
type fakeSupply struct{}

func (fakeSupply) Surplus(uuid.UUID) int { return 1 }

type statsAppFixture struct {
	app  *fiber.App
	hub  *eventhub.Hub
	repo *fakeStatsRepo
}

func testStatsApp(t *testing.T) *statsAppFixture {
	t.Helper()
	repo := newFakeStatsRepo()
	hub := eventhub.New(zerolog.Nop(), fleet.Events)
	recorder, err := stats.NewRecorder(repo, hub, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	src, err := sourcer.New(fakeSupply{}, hub, 3*time.Hour, time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("sourcer.New() error = %v", err)
	}
	handler := NewStatsHandler(recorder, repo, src, zerolog.Nop())

	app := fiber.New()
	app.Use(fakeAuth(testUser()))
	app.Get("/admin/stats/today", handler.Today)
	app.Get("/admin/stats", handler.Range)
	app.Get("/admin/shortages", handler.Shortages)

	return &statsAppFixture{app: app, hub: hub, repo: repo}
}

func TestStatsToday(t *testing.T) {
	t.Parallel()
	f := testStatsApp(t)

	f.hub.Emit(fleet.EvRentalStarted, fleet.RentalStarted{RentalID: uuid.New(), UserID: 1, BikeID: uuid.New()})
	f.hub.Emit(fleet.EvRentalEnded, fleet.RentalEnded{RentalID: uuid.New(), UserID: 1, BikeID: uuid.New(), Price: 2.5})

	resp := doReq(t, f.app, jsonReq(http.MethodGet, "/admin/stats/today", ""))
	body := readBody(t, resp)
	wantStatus(t, resp, fiber.StatusOK)

	env := parseSuccess(t, body)
	var got stats.Counters
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("unmarshal counters: %v", err)
	}
	if got.RentalsStarted != 1 || got.RentalsEnded != 1 || got.Revenue != 2.5 {
		t.Errorf("counters = %+v", got)
	}
}

func TestStatsRange(t *testing.T) {
	t.Parallel()
	f := testStatsApp(t)
	day := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	f.repo.days[day] = stats.Counters{RentalsStarted: 4, Revenue: 9.8}

	resp := doReq(t, f.app, jsonReq(http.MethodGet, "/admin/stats?from=2026-02-01&to=2026-02-28", ""))
	body := readBody(t, resp)
	wantStatus(t, resp, fiber.StatusOK)

	env := parseSuccess(t, body)
	var days []struct {
		Date     string         `json:"date"`
		Counters stats.Counters `json:"counters"`
	}
	if err := json.Unmarshal(env.Data, &days); err != nil {
		t.Fatalf("unmarshal days: %v", err)
	}
	if len(days) != 1 || days[0].Date != "2026-02-10" || days[0].Counters.RentalsStarted != 4 {
		t.Errorf("days = %+v", days)
	}
}

func TestStatsRangeValidation(t *testing.T) {
	t.Parallel()
	f := testStatsApp(t)

	resp := doReq(t, f.app, jsonReq(http.MethodGet, "/admin/stats?from=yesterday&to=2026-02-28", ""))
	body := readBody(t, resp)
	wantStatus(t, resp, fiber.StatusBadRequest)
	wantErrorCode(t, body, "VALIDATION_ERROR")

	resp = doReq(t, f.app, jsonReq(http.MethodGet, "/admin/stats?from=2026-02-28&to=2026-02-01", ""))
	body = readBody(t, resp)
	wantStatus(t, resp, fiber.StatusBadRequest)
	wantErrorCode(t, body, "VALIDATION_ERROR")
}

func TestShortagesEmpty(t *testing.T) {
	t.Parallel()
	f := testStatsApp(t)

	resp := doReq(t, f.app, jsonReq(http.MethodGet, "/admin/shortages", ""))
	body := readBody(t, resp)
	wantStatus(t, resp, fiber.StatusOK)

	env := parseSuccess(t, body)
	var shortages []sourcer.Shortage
	if err := json.Unmarshal(env.Data, &shortages); err != nil {
		t.Fatalf("unmarshal shortages: %v", err)
	}
	if len(shortages) != 0 {
		t.Errorf("got %d shortages, want 0", len(shortages))
	}
}
