package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectColumns = `id, user_id, pickup_id, reserved_for, claimed_rental_id, outcome, ended_at, created_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed reservation repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// GetByID returns the reservation matching the given id.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM reservations WHERE id = $1", selectColumns), id)
	res, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query reservation by id: %w", err)
	}
	return res, nil
}

// ListOpen returns every reservation without an outcome.
func (r *PGRepository) ListOpen(ctx context.Context) ([]Reservation, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM reservations WHERE outcome IS NULL ORDER BY reserved_for", selectColumns))
	if err != nil {
		return nil, fmt.Errorf("query open reservations: %w", err)
	}
	defer rows.Close()

	var reservations []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		reservations = append(reservations, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return reservations, nil
}

// Create inserts a new open reservation.
func (r *PGRepository) Create(ctx context.Context, userID int64, pickupID uuid.UUID, reservedFor time.Time) (*Reservation, error) {
	var id uuid.UUID
	var createdAt time.Time
	err := r.db.QueryRow(ctx,
		`INSERT INTO reservations (user_id, pickup_id, reserved_for)
		 VALUES ($1, $2, $3) RETURNING id, created_at`,
		userID, pickupID, reservedFor).Scan(&id, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	return &Reservation{
		ID:          id,
		UserID:      userID,
		PickupID:    pickupID,
		ReservedFor: reservedFor,
		CreatedAt:   createdAt,
	}, nil
}

// CloseOut records the reservation's outcome. Closing an already-closed reservation is rejected so outcomes are
// written exactly once.
func (r *PGRepository) CloseOut(ctx context.Context, id uuid.UUID, outcome Outcome, at time.Time, claimedRentalID *uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE reservations SET outcome = $2, ended_at = $3, claimed_rental_id = $4
		 WHERE id = $1 AND outcome IS NULL`,
		id, outcome, at, claimedRentalID)
	if err != nil {
		return fmt.Errorf("close reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanReservation scans a single row into a Reservation struct.
func scanReservation(row pgx.Row) (*Reservation, error) {
	var res Reservation
	if err := row.Scan(&res.ID, &res.UserID, &res.PickupID, &res.ReservedFor,
		&res.ClaimedRentalID, &res.Outcome, &res.EndedAt, &res.CreatedAt); err != nil {
		return nil, err
	}
	return &res, nil
}
