package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements Repository using PostgreSQL, one row per report date.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed statistics repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// UpsertDay replaces the day's counters.
func (r *PGRepository) UpsertDay(ctx context.Context, day time.Time, c Counters) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO statistics_reports
		   (report_date, rentals_started, rentals_ended, rentals_cancelled,
		    reservations_opened, reservations_claimed, reservations_cancelled, reservations_expired, revenue)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (report_date) DO UPDATE SET
		   rentals_started = EXCLUDED.rentals_started,
		   rentals_ended = EXCLUDED.rentals_ended,
		   rentals_cancelled = EXCLUDED.rentals_cancelled,
		   reservations_opened = EXCLUDED.reservations_opened,
		   reservations_claimed = EXCLUDED.reservations_claimed,
		   reservations_cancelled = EXCLUDED.reservations_cancelled,
		   reservations_expired = EXCLUDED.reservations_expired,
		   revenue = EXCLUDED.revenue,
		   updated_at = now()`,
		day, c.RentalsStarted, c.RentalsEnded, c.RentalsCancelled,
		c.ReservationsOpened, c.ReservationsClaimed, c.ReservationsCancelled, c.ReservationsExpired, c.Revenue)
	if err != nil {
		return fmt.Errorf("upsert daily report: %w", err)
	}
	return nil
}

// GetDay returns the day's counters.
func (r *PGRepository) GetDay(ctx context.Context, day time.Time) (Counters, error) {
	var c Counters
	err := r.db.QueryRow(ctx,
		`SELECT rentals_started, rentals_ended, rentals_cancelled,
		        reservations_opened, reservations_claimed, reservations_cancelled, reservations_expired, revenue
		 FROM statistics_reports WHERE report_date = $1`, day).
		Scan(&c.RentalsStarted, &c.RentalsEnded, &c.RentalsCancelled,
			&c.ReservationsOpened, &c.ReservationsClaimed, &c.ReservationsCancelled, &c.ReservationsExpired, &c.Revenue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Counters{}, ErrNoReport
		}
		return Counters{}, fmt.Errorf("query daily report: %w", err)
	}
	return c, nil
}

// ListDays returns the reports between from and to inclusive, keyed by date.
func (r *PGRepository) ListDays(ctx context.Context, from, to time.Time) (map[time.Time]Counters, error) {
	rows, err := r.db.Query(ctx,
		`SELECT report_date, rentals_started, rentals_ended, rentals_cancelled,
		        reservations_opened, reservations_claimed, reservations_cancelled, reservations_expired, revenue
		 FROM statistics_reports WHERE report_date BETWEEN $1 AND $2 ORDER BY report_date`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query daily reports: %w", err)
	}
	defer rows.Close()

	out := make(map[time.Time]Counters)
	for rows.Next() {
		var day time.Time
		var c Counters
		if err := rows.Scan(&day, &c.RentalsStarted, &c.RentalsEnded, &c.RentalsCancelled,
			&c.ReservationsOpened, &c.ReservationsClaimed, &c.ReservationsCancelled, &c.ReservationsExpired, &c.Revenue); err != nil {
			return nil, fmt.Errorf("scan daily report: %w", err)
		}
		out[day] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily reports: %w", err)
	}
	return out, nil
}
