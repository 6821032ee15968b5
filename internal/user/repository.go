package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectColumns = `id, subject, display_name, email, is_admin, payment_customer_id, created_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// GetByID returns the user matching the given id.
func (r *PGRepository) GetByID(ctx context.Context, id int64) (*User, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM app_users WHERE id = $1", selectColumns), id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// GetOrCreateBySubject upserts on the unique subject and returns the account. Profile fields are refreshed from the
// token on every request, so renames at the identity provider propagate.
func (r *PGRepository) GetOrCreateBySubject(ctx context.Context, subject, displayName, email string) (*User, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO app_users (subject, display_name, email) VALUES ($1, $2, $3)
		 ON CONFLICT (subject) DO UPDATE SET display_name = EXCLUDED.display_name, email = EXCLUDED.email
		 RETURNING %s`, selectColumns),
		subject, displayName, email)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

// SetAdmin toggles the admin flag.
func (r *PGRepository) SetAdmin(ctx context.Context, id int64, admin bool) error {
	tag, err := r.db.Exec(ctx, "UPDATE app_users SET is_admin = $2 WHERE id = $1", id, admin)
	if err != nil {
		return fmt.Errorf("update admin flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPaymentCustomerID records the user's reference at the payment provider.
func (r *PGRepository) SetPaymentCustomerID(ctx context.Context, id int64, customerID string) error {
	tag, err := r.db.Exec(ctx, "UPDATE app_users SET payment_customer_id = $2 WHERE id = $1", id, customerID)
	if err != nil {
		return fmt.Errorf("update payment customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the account.
func (r *PGRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM app_users WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanUser scans a single row into a User struct.
func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Subject, &u.DisplayName, &u.Email, &u.Admin, &u.PaymentCustomerID, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
