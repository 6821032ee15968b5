package pickup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openvelo/openvelo-server/internal/geo"
	"github.com/openvelo/openvelo-server/internal/postgres"
)

// PGRepository implements Repository using PostgreSQL. Polygon containment runs in Go over the loaded areas: the
// pickup table is small and this keeps the geometry in one place instead of splitting it with PostGIS.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed pickup point repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// List returns all pickup points ordered by name.
func (r *PGRepository) List(ctx context.Context) ([]Point, error) {
	rows, err := r.db.Query(ctx, "SELECT id, name, area FROM pickup_points ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query pickup points: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pickup point: %w", err)
		}
		points = append(points, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pickup points: %w", err)
	}
	return points, nil
}

// GetByID returns the pickup point matching the given id.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Point, error) {
	row := r.db.QueryRow(ctx, "SELECT id, name, area FROM pickup_points WHERE id = $1", id)
	p, err := scanPoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query pickup point by id: %w", err)
	}
	return p, nil
}

// Create inserts a new pickup point.
func (r *PGRepository) Create(ctx context.Context, name string, area geo.Polygon) (*Point, error) {
	if len(area) < 3 {
		return nil, ErrInvalidArea
	}

	encoded, err := json.Marshal(area)
	if err != nil {
		return nil, fmt.Errorf("marshal area: %w", err)
	}

	var id uuid.UUID
	err = r.db.QueryRow(ctx,
		"INSERT INTO pickup_points (name, area) VALUES ($1, $2) RETURNING id",
		name, encoded).Scan(&id)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert pickup point: %w", err)
	}

	return &Point{ID: id, Name: name, Area: area}, nil
}

// ContainingPoint returns the pickup point whose polygon contains loc, or nil when none does.
func (r *PGRepository) ContainingPoint(ctx context.Context, loc geo.Point) (*Point, error) {
	points, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return Containing(points, loc), nil
}

// scanPoint scans a single row into a Point struct, decoding the JSONB area.
func scanPoint(row pgx.Row) (*Point, error) {
	var p Point
	var area []byte
	if err := row.Scan(&p.ID, &p.Name, &area); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(area, &p.Area); err != nil {
		return nil, fmt.Errorf("decode area: %w", err)
	}
	return &p, nil
}
