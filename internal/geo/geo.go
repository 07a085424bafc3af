// Package geo has the spherical geometry the tracker needs: great-circle
// distance, bearing and interpolation between coordinates in degrees.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by every distance in the tracker.
const EarthRadiusKm = 6371.0

type Point struct {
	Lat float64
	Lon float64
}

func toRad(d float64) float64 { return d * math.Pi / 180 }

// DistanceKm returns the haversine great-circle distance between a and b.
func DistanceKm(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Rounding can push h just past 1 for near-antipodal points.
	h = math.Min(math.Max(h, 0), 1)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// BearingDeg returns the initial bearing from a to b in degrees [0, 360).
func BearingDeg(a, b Point) float64 {
	y := math.Sin(toRad(b.Lon-a.Lon)) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) - math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(toRad(b.Lon-a.Lon))
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// Interpolate returns the point at frac (clamped to [0,1]) along the straight
// line from a to b. Good enough for the short hops between adjacent stops.
func Interpolate(a, b Point, frac float64) Point {
	if frac <= 0 {
		return a
	}
	if frac >= 1 {
		return b
	}
	return Point{
		Lat: a.Lat + (b.Lat-a.Lat)*frac,
		Lon: a.Lon + (b.Lon-a.Lon)*frac,
	}
}

// Valid reports whether p is a well-formed WGS84 coordinate.
func (p Point) Valid() bool {
	return !math.IsNaN(p.Lat) && !math.IsNaN(p.Lon) &&
		p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}
