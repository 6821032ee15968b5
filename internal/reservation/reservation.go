// Package reservation lets users hold a bike at a pickup point ahead of time. A reservation targets a pickup point,
// not a bike: the concrete bike is chosen when the user claims the reservation within its window. Every reservation
// ends in exactly one of three outcomes.
package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the reservation package.
var (
	ErrNotFound           = errors.New("reservation not found")
	ErrReservationExists  = errors.New("user already has an open reservation")
	ErrNoReservation      = errors.New("user has no open reservation")
	ErrPastTime           = errors.New("reservation time is in the past")
	ErrInsufficientSupply = errors.New("not enough free bikes at the pickup point")
	ErrOutsideWindow      = errors.New("current time is outside the reservation window")
	ErrWrongPickup        = errors.New("reservation is for a different pickup point")
	ErrNoBikes            = errors.New("no bike available at the pickup point")
)

// Outcome is the terminal state of a reservation.
type Outcome string

const (
	OutcomeClaimed   Outcome = "CLAIMED"
	OutcomeCancelled Outcome = "CANCELLED"
	OutcomeExpired   Outcome = "EXPIRED"
)

// Reservation is one user's hold on a bike at a pickup point around ReservedFor. Outcome and EndedAt are nil while
// the reservation is open; ClaimedRentalID is set only for claimed reservations.
type Reservation struct {
	ID              uuid.UUID
	UserID          int64
	PickupID        uuid.UUID
	ReservedFor     time.Time
	ClaimedRentalID *uuid.UUID
	Outcome         *Outcome
	EndedAt         *time.Time
	CreatedAt       time.Time
}

// Open reports whether the reservation has no outcome yet.
func (r *Reservation) Open() bool {
	return r.Outcome == nil
}

// Repository defines the data-access contract for reservations.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Reservation, error)
	ListOpen(ctx context.Context) ([]Reservation, error)
	Create(ctx context.Context, userID int64, pickupID uuid.UUID, reservedFor time.Time) (*Reservation, error)
	// CloseOut records the reservation's outcome. claimedRentalID is non-nil only for OutcomeClaimed.
	CloseOut(ctx context.Context, id uuid.UUID, outcome Outcome, at time.Time, claimedRentalID *uuid.UUID) error
}
