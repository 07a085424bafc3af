package sim

import (
	"math"

	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/model"
)

// Path is a route's stops joined by straight segments, with cumulative
// distances in km.
type Path struct {
	points []geo.Point
	cum    []float64
}

// NewPath builds a path from the route's stops in sequence, skipping
// scheduled stops without a stop record.
func NewPath(stops []model.RouteStop) Path {
	var p Path
	for _, rs := range stops {
		if rs.Stop == nil {
			continue
		}
		if n := len(p.points); n > 0 {
			p.cum = append(p.cum, p.cum[n-1]+geo.DistanceKm(p.points[n-1], rs.Stop.Position))
		} else {
			p.cum = append(p.cum, 0)
		}
		p.points = append(p.points, rs.Stop.Position)
	}
	return p
}

// Length is the total path length in km.
func (p Path) Length() float64 {
	if len(p.cum) == 0 {
		return 0
	}
	return p.cum[len(p.cum)-1]
}

// Drivable reports whether the path has a non-zero length.
func (p Path) Drivable() bool { return len(p.points) >= 2 && p.Length() > 0 }

// OffsetOf returns the distance along the path of the stop at index i among
// the path's points, clamped to the path.
func (p Path) OffsetOf(i int) float64 {
	if len(p.cum) == 0 {
		return 0
	}
	if i < 0 {
		i = 0
	}
	if i >= len(p.cum) {
		i = len(p.cum) - 1
	}
	return p.cum[i]
}

// At returns the position and bearing after travelling distKm from the first
// stop. Distances past the end wrap around to the start, so a vehicle loops
// its route.
func (p Path) At(distKm float64) (geo.Point, float64) {
	if !p.Drivable() {
		if len(p.points) > 0 {
			return p.points[0], 0
		}
		return geo.Point{}, 0
	}
	d := math.Mod(distKm, p.Length())
	if d < 0 {
		d += p.Length()
	}
	i := 0
	for i+1 < len(p.cum)-1 && d >= p.cum[i+1] {
		i++
	}
	a, b := p.points[i], p.points[i+1]
	seg := p.cum[i+1] - p.cum[i]
	frac := 0.0
	if seg > 0 {
		frac = (d - p.cum[i]) / seg
	}
	return geo.Interpolate(a, b, frac), geo.BearingDeg(a, b)
}
