// Package stats aggregates fleet activity into one row of counters per day. The recorder counts hub events in memory
// and periodically writes the current day's row; at boot the day's counters are reloaded, so a restart mid-day does
// not zero the report.
package stats

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openvelo/openvelo-server/internal/eventhub"
	"github.com/openvelo/openvelo-server/internal/fleet"
)

// ErrNoReport is returned when no report exists for the requested day.
var ErrNoReport = errors.New("no report for this day")

// Counters is one day's aggregated fleet activity.
type Counters struct {
	RentalsStarted        int     `json:"rentals_started"`
	RentalsEnded          int     `json:"rentals_ended"`
	RentalsCancelled      int     `json:"rentals_cancelled"`
	ReservationsOpened    int     `json:"reservations_opened"`
	ReservationsClaimed   int     `json:"reservations_claimed"`
	ReservationsCancelled int     `json:"reservations_cancelled"`
	ReservationsExpired   int     `json:"reservations_expired"`
	Revenue               float64 `json:"revenue"`
}

// Repository defines the data-access contract for daily reports. day is truncated to a date by the implementation.
type Repository interface {
	UpsertDay(ctx context.Context, day time.Time, c Counters) error
	GetDay(ctx context.Context, day time.Time) (Counters, error)
	ListDays(ctx context.Context, from, to time.Time) (map[time.Time]Counters, error)
}

// Recorder counts fleet events for the current day and flushes them to the repository. Counter writes replace the
// day's row wholesale, which is safe because this process is the only writer.
type Recorder struct {
	repo Repository
	log  zerolog.Logger
	now  func() time.Time

	mu       sync.Mutex
	day      time.Time
	counters Counters
	dirty    bool
}

// NewRecorder creates a recorder and subscribes it to all fleet lifecycle events on the hub. The handlers only bump
// in-memory counters; persistence happens on the flush ticker.
func NewRecorder(repo Repository, hub *eventhub.Hub, logger zerolog.Logger) (*Recorder, error) {
	r := &Recorder{
		repo: repo,
		log:  logger.With().Str("component", "stats").Logger(),
		now:  time.Now,
	}

	subs := []error{
		hub.Subscribe(fleet.EvRentalStarted, func(fleet.RentalStarted) { r.count(func(c *Counters) { c.RentalsStarted++ }) }),
		hub.Subscribe(fleet.EvRentalEnded, func(ev fleet.RentalEnded) {
			r.count(func(c *Counters) {
				c.RentalsEnded++
				c.Revenue += ev.Price
			})
		}),
		hub.Subscribe(fleet.EvRentalCancelled, func(fleet.RentalCancelled) { r.count(func(c *Counters) { c.RentalsCancelled++ }) }),
		hub.Subscribe(fleet.EvReservationOpened, func(fleet.ReservationOpened) { r.count(func(c *Counters) { c.ReservationsOpened++ }) }),
		hub.Subscribe(fleet.EvReservationClaimed, func(fleet.ReservationClaimed) { r.count(func(c *Counters) { c.ReservationsClaimed++ }) }),
		hub.Subscribe(fleet.EvReservationCancelled, func(fleet.ReservationCancelled) { r.count(func(c *Counters) { c.ReservationsCancelled++ }) }),
		hub.Subscribe(fleet.EvReservationExpired, func(fleet.ReservationExpired) { r.count(func(c *Counters) { c.ReservationsExpired++ }) }),
	}
	if err := errors.Join(subs...); err != nil {
		return nil, err
	}
	return r, nil
}

// Rebuild reloads the current day's counters so a restart continues the day instead of resetting it.
func (r *Recorder) Rebuild(ctx context.Context) error {
	day := dateOf(r.now())
	counters, err := r.repo.GetDay(ctx, day)
	if err != nil {
		if errors.Is(err, ErrNoReport) {
			r.mu.Lock()
			r.day = day
			r.mu.Unlock()
			return nil
		}
		return err
	}

	r.mu.Lock()
	r.day = day
	r.counters = counters
	r.mu.Unlock()
	r.log.Info().Msg("Rebuilt daily statistics")
	return nil
}

// Run flushes at the given period until the context is cancelled, then flushes one last time.
func (r *Recorder) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Flush(context.Background())
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush writes the current day's counters if anything changed since the last flush.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	day, counters := r.day, r.counters
	r.dirty = false
	r.mu.Unlock()

	if err := r.repo.UpsertDay(ctx, day, counters); err != nil {
		r.log.Error().Err(err).Msg("Failed to flush daily statistics")
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
	}
}

// Today returns the in-memory counters for the current day.
func (r *Recorder) Today() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// count applies a counter mutation, rolling the day over first if the date changed.
func (r *Recorder) count(apply func(*Counters)) {
	now := r.now()
	day := dateOf(now)

	r.mu.Lock()
	if !day.Equal(r.day) {
		// Flush the finished day before resetting; done outside the critical section.
		finished, counters, wasDirty := r.day, r.counters, r.dirty
		r.day = day
		r.counters = Counters{}
		r.mu.Unlock()

		if wasDirty && !finished.IsZero() {
			if err := r.repo.UpsertDay(context.Background(), finished, counters); err != nil {
				r.log.Error().Err(err).Msg("Failed to flush rolled-over day")
			}
		}
		r.mu.Lock()
	}
	apply(&r.counters)
	r.dirty = true
	r.mu.Unlock()
}

// dateOf truncates a time to its UTC date.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
