package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceKm(t *testing.T) {
	tests := []struct {
		name      string
		a, b      Point
		expected  float64
		tolerance float64
	}{
		{
			name:      "Same point",
			a:         Point{40.7128, -74.0060},
			b:         Point{40.7128, -74.0060},
			expected:  0,
			tolerance: 1e-9,
		},
		{
			name:      "London to Paris",
			a:         Point{51.5074, -0.1278},
			b:         Point{48.8566, 2.3522},
			expected:  343.5,
			tolerance: 1,
		},
		{
			name:      "Quarter of the equator",
			a:         Point{0, 0},
			b:         Point{0, 90},
			expected:  EarthRadiusKm * math.Pi / 2,
			tolerance: 1e-6,
		},
		{
			name:      "About fifteen km east of the origin",
			a:         Point{0, 0},
			b:         Point{0, 0.1349},
			expected:  15.0,
			tolerance: 0.01,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, DistanceKm(tt.a, tt.b), tt.tolerance)
		})
	}
}

func TestDistanceKmIsSymmetric(t *testing.T) {
	points := []Point{
		{0, 0},
		{52.52, 13.405},
		{-33.8688, 151.2093},
		{64.1466, -21.9426},
		{-89.9, 179.9},
	}
	for _, a := range points {
		for _, b := range points {
			assert.InDelta(t, DistanceKm(a, b), DistanceKm(b, a), 1e-9, "%v <-> %v", a, b)
		}
		assert.InDelta(t, 0, DistanceKm(a, a), 1e-9)
	}
}

func TestDistanceKmAntipodal(t *testing.T) {
	half := EarthRadiusKm * math.Pi
	for _, a := range []Point{{0, 0}, {45, 10}, {-33.8688, 151.2093}, {89.9, -120}, {12.345678, 98.765432}} {
		b := Point{Lat: -a.Lat, Lon: a.Lon - 180}
		d := DistanceKm(a, b)
		assert.False(t, math.IsNaN(d), "%v <-> %v", a, b)
		assert.InDelta(t, half, d, 1e-3, "%v <-> %v", a, b)
	}
}

func TestBearingDeg(t *testing.T) {
	assert.InDelta(t, 90, BearingDeg(Point{0, 0}, Point{0, 1}), 1e-9)
	assert.InDelta(t, 0, BearingDeg(Point{0, 0}, Point{1, 0}), 1e-9)
	assert.InDelta(t, 180, BearingDeg(Point{1, 0}, Point{0, 0}), 1e-9)
	assert.InDelta(t, 270, BearingDeg(Point{0, 1}, Point{0, 0}), 1e-9)
}

func TestInterpolate(t *testing.T) {
	a := Point{10, 20}
	b := Point{12, 24}

	assert.Equal(t, a, Interpolate(a, b, -1))
	assert.Equal(t, b, Interpolate(a, b, 2))
	mid := Interpolate(a, b, 0.5)
	assert.InDelta(t, 11, mid.Lat, 1e-12)
	assert.InDelta(t, 22, mid.Lon, 1e-12)
}

func TestPointValid(t *testing.T) {
	assert.True(t, Point{0, 0}.Valid())
	assert.True(t, Point{-90, 180}.Valid())
	assert.False(t, Point{90.1, 0}.Valid())
	assert.False(t, Point{0, -180.5}.Valid())
	assert.False(t, Point{math.NaN(), 0}.Valid())
}
