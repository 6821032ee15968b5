package bike

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/openvelo/openvelo-server/internal/geo"
)

// Sentinel errors for the bike package.
var (
	ErrNotFound          = errors.New("bike not found")
	ErrAlreadyRegistered = errors.New("a bike with this public key is already registered")
	ErrInvalidPublicKey  = errors.New("public key must be exactly 32 bytes")
)

// Bike holds the persisted attributes of a fleet bike. Live attributes (socket, location, battery, lock state) are
// owned by the session layer and never stored here.
type Bike struct {
	ID            uuid.UUID
	PublicKey     ed25519.PublicKey
	InCirculation bool
	CreatedAt     time.Time
}

// ShortID returns the bike's display identifier: the first three bytes of its public key, hex-encoded.
func (b *Bike) ShortID() string {
	if len(b.PublicKey) < 3 {
		return ""
	}
	return hex.EncodeToString(b.PublicKey[:3])
}

// LocationUpdate is one persisted location report.
type LocationUpdate struct {
	ID     int64
	BikeID uuid.UUID
	Point  geo.Point
	At     time.Time
}

// Repository defines the data-access contract for bikes and their location trail.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Bike, error)
	GetByPublicKey(ctx context.Context, publicKey ed25519.PublicKey) (*Bike, error)
	List(ctx context.Context) ([]Bike, error)
	Register(ctx context.Context, publicKey ed25519.PublicKey) (*Bike, error)
	SetCirculation(ctx context.Context, id uuid.UUID, inCirculation bool) error
	InsertLocationUpdate(ctx context.Context, bikeID uuid.UUID, p geo.Point, at time.Time) error
	LocationsBetween(ctx context.Context, bikeID uuid.UUID, from, to time.Time) ([]geo.Point, error)
}
