package model

import (
	"time"

	"fleet-tracker/internal/geo"
)

type Vehicle struct {
	ID           int64
	Number       string // stable external id, the token in the telemetry subject
	LicensePlate string
	Capacity     int
	Active       bool

	Position    *geo.Point // nil until the first telemetry sample
	Speed       *float64   // km/h
	Heading     *float64   // degrees
	LastUpdated *time.Time

	RouteID    *int64
	NextStopID *int64 // only meaningful while RouteID is set
}

// HasRoute reports whether the vehicle is currently assigned to a route.
func (v *Vehicle) HasRoute() bool { return v.RouteID != nil }

type Route struct {
	ID          int64
	Number      string
	Name        string
	Description string
	Active      bool
	Stops       []RouteStop
}

type Stop struct {
	ID       int64
	Code     string
	Name     string
	Position geo.Point
	Address  string
	Active   bool
}

type ScheduledStop struct {
	RouteID           int64
	StopID            int64
	Sequence          int
	ScheduledArrival  string   // HH:MM:SS, empty if unscheduled
	ScheduledDepart   string   // HH:MM:SS, empty if unscheduled
	DistanceFromStart *float64 // km
}

// RouteStop is a scheduled stop joined with its stop record. Stop is nil when
// the scheduled stop references a stop that no longer exists.
type RouteStop struct {
	ScheduledStop
	Stop *Stop
}

type PredictionKey struct {
	VehicleID int64
	StopID    int64
	RouteID   int64
}

type ETAPrediction struct {
	PredictionKey
	PredictedArrival time.Time
	PredictedAt      time.Time
	Delayed          bool
	DelayMinutes     int
}

// StopPrediction is a prediction joined with the stop it targets.
type StopPrediction struct {
	ETAPrediction
	Stop Stop
}

type Subscription struct {
	ID                 int64
	UserID             int64
	VehicleID          int64
	StopID             int64
	NotifyOnApproach   bool
	NotifyOnDelay      bool
	ApproachDistanceKm float64
}

// DefaultApproachDistanceKm applies when a subscription does not set one.
const DefaultApproachDistanceKm = 0.5

// Subscriber is a subscription together with the push token of its user.
// PushToken is empty when the user has not registered a device.
type Subscriber struct {
	Subscription
	PushToken string
}

type User struct {
	ID        int64
	Username  string
	PushToken string
}

type TelemetrySample struct {
	VehicleNumber string    `json:"vehicle"`
	Timestamp     time.Time `json:"timestamp"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Speed         float64   `json:"speed"`
	Heading       *float64  `json:"heading,omitempty"`
}

func (s TelemetrySample) Position() geo.Point {
	return geo.Point{Lat: s.Latitude, Lon: s.Longitude}
}
