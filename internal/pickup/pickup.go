package pickup

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/openvelo/openvelo-server/internal/geo"
)

// Sentinel errors for the pickup package.
var (
	ErrNotFound      = errors.New("pickup point not found")
	ErrAlreadyExists = errors.New("a pickup point with this name already exists")
	ErrInvalidArea   = errors.New("pickup area must have at least 3 vertices")
)

// Point is a named pickup area. A bike is "in" the point when its last reported location lies within the polygon.
type Point struct {
	ID   uuid.UUID
	Name string
	Area geo.Polygon
}

// Contains reports whether the given location lies within the pickup area.
func (p *Point) Contains(loc geo.Point) bool {
	return p.Area.Contains(loc)
}

// Containing returns the first pickup point whose area contains loc, or nil. Pickup areas are not expected to
// overlap; if they do, which one wins is unspecified.
func Containing(points []Point, loc geo.Point) *Point {
	for i := range points {
		if points[i].Contains(loc) {
			return &points[i]
		}
	}
	return nil
}

// Repository defines the data-access contract for pickup points.
type Repository interface {
	List(ctx context.Context) ([]Point, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Point, error)
	Create(ctx context.Context, name string, area geo.Polygon) (*Point, error)
	// ContainingPoint returns the pickup point whose polygon contains loc, or nil when none does.
	ContainingPoint(ctx context.Context, loc geo.Point) (*Point, error)
}
