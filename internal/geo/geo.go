// Package geo provides the small amount of planar and spherical geometry the fleet needs: point-in-polygon tests for
// pickup point containment and haversine polyline lengths for ride distances.
package geo

import "math"

// earthRadiusMeters is the mean Earth radius used by the haversine formula.
const earthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate.
type Point struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// Polygon is a closed ring of vertices. The closing edge from the last vertex back to the first is implicit.
type Polygon []Point

// Contains reports whether p lies inside the polygon, using the even-odd ray casting rule. Points exactly on an edge
// may land on either side; pickup polygons are drawn generously enough that this does not matter in practice.
func (poly Polygon) Contains(p Point) bool {
	if len(poly) < 3 {
		return false
	}

	inside := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		a, b := poly[i], poly[j]
		if (a.Long > p.Long) != (b.Long > p.Long) {
			atLat := (b.Lat-a.Lat)*(p.Long-a.Long)/(b.Long-a.Long) + a.Lat
			if p.Lat < atLat {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Distance returns the great-circle distance between two points in meters.
func Distance(a, b Point) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLong := (b.Long - a.Long) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLong/2)*math.Sin(dLong/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// PolylineLength returns the total length in meters of the path visiting the given points in order. Fewer than two
// points yield zero.
func PolylineLength(points []Point) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}
