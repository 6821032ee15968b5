package pickup

import (
	"testing"

	"github.com/google/uuid"

	"github.com/openvelo/openvelo-server/internal/geo"
)

func square(lat, long, size float64) geo.Polygon {
	return geo.Polygon{
		{Lat: lat, Long: long},
		{Lat: lat + size, Long: long},
		{Lat: lat + size, Long: long + size},
		{Lat: lat, Long: long + size},
	}
}

func TestContaining(t *testing.T) {
	t.Parallel()

	points := []Point{
		{ID: uuid.New(), Name: "north", Area: square(0.02, 0, 0.01)},
		{ID: uuid.New(), Name: "south", Area: square(0, 0, 0.01)},
	}

	got := Containing(points, geo.Point{Lat: 0.005, Long: 0.005})
	if got == nil || got.Name != "south" {
		t.Errorf("Containing() = %v, want south", got)
	}

	got = Containing(points, geo.Point{Lat: 0.025, Long: 0.005})
	if got == nil || got.Name != "north" {
		t.Errorf("Containing() = %v, want north", got)
	}

	if got := Containing(points, geo.Point{Lat: 0.5, Long: 0.5}); got != nil {
		t.Errorf("Containing() = %v for a point outside all areas, want nil", got)
	}
}
