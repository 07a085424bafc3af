package model

import (
	"time"

	"fleet-tracker/internal/geo"
)

// Arrival is one row of a stop's arrival board.
type Arrival struct {
	ETAPrediction
	VehicleNumber   string
	VehiclePosition *geo.Point
	RouteNumber     string
	RouteName       string
}

// Future reports whether the predicted arrival is after now.
func (a Arrival) Future(now time.Time) bool { return a.PredictedArrival.After(now) }
