// Package geo provides the small amount of spherical geometry klaxon needs
// to compare an alert area with a reference location.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// LatLon is a WGS84 coordinate in decimal degrees.
type LatLon struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Valid reports whether both coordinates are within their ranges.
func (p LatLon) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180 &&
		!math.IsNaN(p.Lat) && !math.IsNaN(p.Lon)
}

// Haversine returns the great-circle distance between a and b in kilometres.
func Haversine(a, b LatLon) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dlat := lat2 - lat1
	dlon := (b.Lon - a.Lon) * math.Pi / 180

	sdlat := math.Sin(dlat / 2)
	sdlon := math.Sin(dlon / 2)
	h := sdlat*sdlat + math.Cos(lat1)*math.Cos(lat2)*sdlon*sdlon
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// InPolygon reports whether p lies inside ring using ray casting.
// A horizontal ray is cast from p and edge crossings are counted; the lower
// endpoint of an edge is excluded and the upper one included so a ray through
// a shared vertex is counted once. Rings with fewer than 3 vertices contain
// nothing.
func InPolygon(p LatLon, ring []LatLon) bool {
	n := len(ring)
	if n < 3 {
		return false
	}

	x, y := p.Lon, p.Lat
	inside := false
	p1 := ring[0]
	for i := 1; i <= n; i++ {
		p2 := ring[i%n]
		if y > math.Min(p1.Lat, p2.Lat) && y <= math.Max(p1.Lat, p2.Lat) && x <= math.Max(p1.Lon, p2.Lon) {
			if p1.Lon == p2.Lon {
				inside = !inside
			} else {
				// p1.Lat != p2.Lat is guaranteed by the bounds check above.
				xinters := (y-p1.Lat)*(p2.Lon-p1.Lon)/(p2.Lat-p1.Lat) + p1.Lon
				if x <= xinters {
					inside = !inside
				}
			}
		}
		p1 = p2
	}
	return inside
}

// NearPolygon reports whether p is inside ring or within bufferKm of any of
// its vertices. The buffer is a vertex-distance approximation, not a true
// offset of the ring edges.
func NearPolygon(p LatLon, ring []LatLon, bufferKm float64) bool {
	if InPolygon(p, ring) {
		return true
	}
	if bufferKm <= 0 {
		return false
	}
	for _, v := range ring {
		if Haversine(p, v) <= bufferKm {
			return true
		}
	}
	return false
}
