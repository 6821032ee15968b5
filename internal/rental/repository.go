package rental

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openvelo/openvelo-server/internal/postgres"
)

// selectColumns derives the lifecycle timestamps from the journal: the RENT entry opens the rental, the first RETURN
// or CANCEL entry closes it.
const selectColumns = `r.id, r.user_id, r.bike_id, r.price,
	(SELECT u.created_at FROM rental_updates u
	 WHERE u.rental_id = r.id AND u.type = 'RENT'
	 ORDER BY u.created_at LIMIT 1),
	(SELECT u.created_at FROM rental_updates u
	 WHERE u.rental_id = r.id AND u.type IN ('RETURN', 'CANCEL')
	 ORDER BY u.created_at LIMIT 1)`

// openCondition matches rentals without a closing journal entry.
const openCondition = `NOT EXISTS (SELECT 1 FROM rental_updates u
	WHERE u.rental_id = r.id AND u.type IN ('RETURN', 'CANCEL'))`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed rental repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// GetByID returns the rental matching the given id.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Rental, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM rentals r WHERE r.id = $1", selectColumns), id)
	rental, err := scanRental(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query rental by id: %w", err)
	}
	return rental, nil
}

// ListOpen returns every rental without a closing journal entry.
func (r *PGRepository) ListOpen(ctx context.Context) ([]Rental, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM rentals r WHERE %s", selectColumns, openCondition))
	if err != nil {
		return nil, fmt.Errorf("query open rentals: %w", err)
	}
	return collectRentals(rows)
}

// ListByUser returns the user's rentals, most recently started first.
func (r *PGRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]Rental, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM rentals r WHERE r.user_id = $1 ORDER BY 5 DESC NULLS LAST LIMIT $2",
			selectColumns), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query rentals by user: %w", err)
	}
	return collectRentals(rows)
}

// Create opens a rental by inserting the rental row together with its RENT journal entry.
func (r *PGRepository) Create(ctx context.Context, userID int64, bikeID uuid.UUID, startedAt time.Time) (*Rental, error) {
	var rental *Rental
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var id uuid.UUID
		err := tx.QueryRow(ctx,
			"INSERT INTO rentals (user_id, bike_id) VALUES ($1, $2) RETURNING id",
			userID, bikeID).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert rental: %w", err)
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO rental_updates (rental_id, type, created_at) VALUES ($1, $2, $3)",
			id, UpdateRent, startedAt); err != nil {
			return fmt.Errorf("insert rent update: %w", err)
		}

		rental = &Rental{ID: id, UserID: userID, BikeID: bikeID, StartedAt: startedAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rental, nil
}

// Close ends a rental: it sets the price and appends the closing journal entry in one transaction.
func (r *PGRepository) Close(ctx context.Context, id uuid.UUID, closing UpdateType, at time.Time, price *float64) error {
	if closing != UpdateReturn && closing != UpdateCancel {
		return fmt.Errorf("update type %s does not close a rental", closing)
	}

	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "UPDATE rentals SET price = $2 WHERE id = $1", id, price)
		if err != nil {
			return fmt.Errorf("update rental price: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO rental_updates (rental_id, type, created_at) VALUES ($1, $2, $3)",
			id, closing, at); err != nil {
			return fmt.Errorf("insert closing update: %w", err)
		}
		return nil
	})
}

// InsertUpdate appends a LOCK or UNLOCK journal entry.
func (r *PGRepository) InsertUpdate(ctx context.Context, rentalID uuid.UUID, kind UpdateType, at time.Time) error {
	_, err := r.db.Exec(ctx,
		"INSERT INTO rental_updates (rental_id, type, created_at) VALUES ($1, $2, $3)",
		rentalID, kind, at)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("insert rental update: %w", err)
	}
	return nil
}

// UpdatesSince returns all journal entries created at or after the given time, oldest first.
func (r *PGRepository) UpdatesSince(ctx context.Context, since time.Time) ([]Update, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, rental_id, type, created_at FROM rental_updates
		 WHERE created_at >= $1 ORDER BY created_at, id`, since)
	if err != nil {
		return nil, fmt.Errorf("query rental updates: %w", err)
	}
	defer rows.Close()

	var updates []Update
	for rows.Next() {
		var u Update
		if err := rows.Scan(&u.ID, &u.RentalID, &u.Type, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rental update: %w", err)
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rental updates: %w", err)
	}
	return updates, nil
}

// scanRental scans a single row into a Rental struct.
func scanRental(row pgx.Row) (*Rental, error) {
	var rental Rental
	var startedAt *time.Time
	if err := row.Scan(&rental.ID, &rental.UserID, &rental.BikeID, &rental.Price, &startedAt, &rental.EndedAt); err != nil {
		return nil, err
	}
	if startedAt != nil {
		rental.StartedAt = *startedAt
	}
	return &rental, nil
}

func collectRentals(rows pgx.Rows) ([]Rental, error) {
	defer rows.Close()

	var rentals []Rental
	for rows.Next() {
		rental, err := scanRental(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rental: %w", err)
		}
		rentals = append(rentals, *rental)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rentals: %w", err)
	}
	return rentals, nil
}
