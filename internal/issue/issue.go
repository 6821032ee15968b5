// Package issue tracks rider-reported problems: a broken lock, a flat tire, a bike parked where it should not be.
// Issues are triaged by operations staff and closed out of band.
package issue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the issue package.
var (
	ErrNotFound      = errors.New("issue not found")
	ErrAlreadyClosed = errors.New("issue is already closed")
)

// Status is the triage state of an issue.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Issue is one reported problem. BikeID is nil for reports not tied to a specific bike.
type Issue struct {
	ID          uuid.UUID
	UserID      int64
	BikeID      *uuid.UUID
	Description string
	Status      Status
	OpenedAt    time.Time
	ClosedAt    *time.Time
}

// Repository defines the data-access contract for issues.
type Repository interface {
	Create(ctx context.Context, userID int64, bikeID *uuid.UUID, description string) (*Issue, error)
	ListOpen(ctx context.Context) ([]Issue, error)
	Close(ctx context.Context, id uuid.UUID) error
}
