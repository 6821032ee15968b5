// Package rental owns the rental lifecycle. A rental is opened by renting or by claiming a reservation, then either
// returned (priced) or cancelled (free). The lifecycle is journaled as rental updates; the open/closed state of a
// rental is derived from its journal, and the in-memory manager is rebuilt from it on boot.
package rental

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the rental package.
var (
	ErrNotFound        = errors.New("rental not found")
	ErrActiveRental    = errors.New("user already has an active rental")
	ErrCurrentlyRented = errors.New("bike is currently rented")
	ErrInactiveRental  = errors.New("user has no active rental")
)

// UpdateType enumerates the journal entry kinds of a rental.
type UpdateType string

const (
	UpdateRent   UpdateType = "RENT"
	UpdateReturn UpdateType = "RETURN"
	UpdateCancel UpdateType = "CANCEL"
	UpdateLock   UpdateType = "LOCK"
	UpdateUnlock UpdateType = "UNLOCK"
)

// Rental is one rental of a bike by a user. StartedAt and EndedAt are derived from the journal; EndedAt and Price are
// nil while the rental is open (and Price stays nil for cancelled rentals).
type Rental struct {
	ID        uuid.UUID
	UserID    int64
	BikeID    uuid.UUID
	StartedAt time.Time
	EndedAt   *time.Time
	Price     *float64
}

// Open reports whether the rental has not ended yet.
func (r *Rental) Open() bool {
	return r.EndedAt == nil
}

// Update is one journal entry.
type Update struct {
	ID        int64
	RentalID  uuid.UUID
	Type      UpdateType
	CreatedAt time.Time
}

// Repository defines the data-access contract for rentals and their journal.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Rental, error)
	// ListOpen returns every rental without a closing journal entry.
	ListOpen(ctx context.Context) ([]Rental, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]Rental, error)
	// Create opens a rental: it inserts the rental row and its RENT journal entry in one transaction.
	Create(ctx context.Context, userID int64, bikeID uuid.UUID, startedAt time.Time) (*Rental, error)
	// Close ends a rental with a RETURN or CANCEL journal entry; price is nil for cancellations.
	Close(ctx context.Context, id uuid.UUID, closing UpdateType, at time.Time, price *float64) error
	// InsertUpdate appends a LOCK or UNLOCK journal entry.
	InsertUpdate(ctx context.Context, rentalID uuid.UUID, kind UpdateType, at time.Time) error
	UpdatesSince(ctx context.Context, since time.Time) ([]Update, error)
}
