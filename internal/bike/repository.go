package bike

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openvelo/openvelo-server/internal/geo"
	"github.com/openvelo/openvelo-server/internal/postgres"
)

// selectColumns joins each bike with the most recent row of its circulation history.
const selectColumns = `b.id, b.public_key, b.created_at,
	COALESCE((SELECT cu.in_circulation FROM bike_circulation_updates cu
	          WHERE cu.bike_id = b.id ORDER BY cu.created_at DESC, cu.id DESC LIMIT 1), FALSE)`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed bike repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// GetByID returns the bike matching the given id.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Bike, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM bikes b WHERE b.id = $1", selectColumns), id)
	b, err := scanBike(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query bike by id: %w", err)
	}
	return b, nil
}

// GetByPublicKey returns the bike registered under the given Ed25519 public key.
func (r *PGRepository) GetByPublicKey(ctx context.Context, publicKey ed25519.PublicKey) (*Bike, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM bikes b WHERE b.public_key = $1", selectColumns), []byte(publicKey))
	b, err := scanBike(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query bike by public key: %w", err)
	}
	return b, nil
}

// List returns all registered bikes.
func (r *PGRepository) List(ctx context.Context) ([]Bike, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM bikes b ORDER BY b.created_at", selectColumns))
	if err != nil {
		return nil, fmt.Errorf("query bikes: %w", err)
	}
	defer rows.Close()

	var bikes []Bike
	for rows.Next() {
		b, err := scanBike(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bike: %w", err)
		}
		bikes = append(bikes, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bikes: %w", err)
	}
	return bikes, nil
}

// Register inserts a new bike row and opens its circulation history with an in-circulation entry.
func (r *PGRepository) Register(ctx context.Context, publicKey ed25519.PublicKey) (*Bike, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}

	var b *Bike
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var id uuid.UUID
		var createdAt time.Time
		err := tx.QueryRow(ctx,
			"INSERT INTO bikes (public_key) VALUES ($1) RETURNING id, created_at",
			[]byte(publicKey)).Scan(&id, &createdAt)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrAlreadyRegistered
			}
			return fmt.Errorf("insert bike: %w", err)
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO bike_circulation_updates (bike_id, in_circulation) VALUES ($1, TRUE)", id); err != nil {
			return fmt.Errorf("insert circulation update: %w", err)
		}

		b = &Bike{ID: id, PublicKey: publicKey, InCirculation: true, CreatedAt: createdAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// SetCirculation appends a new entry to the bike's circulation history.
func (r *PGRepository) SetCirculation(ctx context.Context, id uuid.UUID, inCirculation bool) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO bike_circulation_updates (bike_id, in_circulation)
		 SELECT id, $2 FROM bikes WHERE id = $1`, id, inCirculation)
	if err != nil {
		return fmt.Errorf("insert circulation update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertLocationUpdate appends one location report to the bike's trail.
func (r *PGRepository) InsertLocationUpdate(ctx context.Context, bikeID uuid.UUID, p geo.Point, at time.Time) error {
	_, err := r.db.Exec(ctx,
		"INSERT INTO location_updates (bike_id, lat, long, created_at) VALUES ($1, $2, $3, $4)",
		bikeID, p.Lat, p.Long, at)
	if err != nil {
		return fmt.Errorf("insert location update: %w", err)
	}
	return nil
}

// LocationsBetween returns the bike's location points between from and to, oldest first.
func (r *PGRepository) LocationsBetween(ctx context.Context, bikeID uuid.UUID, from, to time.Time) ([]geo.Point, error) {
	rows, err := r.db.Query(ctx,
		`SELECT lat, long FROM location_updates
		 WHERE bike_id = $1 AND created_at >= $2 AND created_at <= $3
		 ORDER BY created_at`, bikeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query location updates: %w", err)
	}
	defer rows.Close()

	var points []geo.Point
	for rows.Next() {
		var p geo.Point
		if err := rows.Scan(&p.Lat, &p.Long); err != nil {
			return nil, fmt.Errorf("scan location update: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate location updates: %w", err)
	}
	return points, nil
}

// scanBike scans a single row into a Bike struct.
func scanBike(row pgx.Row) (*Bike, error) {
	var b Bike
	var key []byte
	if err := row.Scan(&b.ID, &key, &b.CreatedAt, &b.InCirculation); err != nil {
		return nil, err
	}
	b.PublicKey = ed25519.PublicKey(key)
	return &b, nil
}
