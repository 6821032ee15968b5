package issue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed issue repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// Create inserts a new open issue.
func (r *PGRepository) Create(ctx context.Context, userID int64, bikeID *uuid.UUID, description string) (*Issue, error) {
	issue := &Issue{UserID: userID, BikeID: bikeID, Description: description, Status: StatusOpen}
	err := r.db.QueryRow(ctx,
		`INSERT INTO issues (user_id, bike_id, description) VALUES ($1, $2, $3)
		 RETURNING id, opened_at`,
		userID, bikeID, description).Scan(&issue.ID, &issue.OpenedAt)
	if err != nil {
		return nil, fmt.Errorf("insert issue: %w", err)
	}
	return issue, nil
}

// ListOpen returns all open issues, oldest first.
func (r *PGRepository) ListOpen(ctx context.Context) ([]Issue, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, bike_id, description, status, opened_at, closed_at
		 FROM issues WHERE status = 'OPEN' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("query open issues: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var i Issue
		if err := rows.Scan(&i.ID, &i.UserID, &i.BikeID, &i.Description, &i.Status, &i.OpenedAt, &i.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return issues, nil
}

// Close marks the issue closed. Closing twice returns ErrAlreadyClosed.
func (r *PGRepository) Close(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE issues SET status = 'CLOSED', closed_at = now() WHERE id = $1 AND status = 'OPEN'", id)
	if err != nil {
		return fmt.Errorf("close issue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM issues WHERE id = $1)", id).Scan(&exists); err != nil {
			return fmt.Errorf("check issue: %w", err)
		}
		if exists {
			return ErrAlreadyClosed
		}
		return ErrNotFound
	}
	return nil
}
