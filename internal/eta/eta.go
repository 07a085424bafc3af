// Package eta predicts when a vehicle reaches each remaining stop of its route
// and flags predictions that slipped past the delay threshold.
package eta

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/model"
)

// TrafficPadding inflates raw travel time to account for traffic and dwell time.
const TrafficPadding = 1.2

type Config struct {
	DelayThresholdMinutes float64
	SpeedWindow           time.Duration
	DefaultSpeedKmh       float64
	MinSpeedKmh           float64
}

func DefaultConfig() Config {
	return Config{
		DelayThresholdMinutes: 5,
		SpeedWindow:           15 * time.Minute,
		DefaultSpeedKmh:       20,
		MinSpeedKmh:           5,
	}
}

type Store interface {
	VehicleByNumber(ctx context.Context, number string) (*model.Vehicle, error)
	RouteStops(ctx context.Context, routeID int64) ([]model.RouteStop, error)
	ReconcilePredictions(ctx context.Context, vehicleID, routeID int64,
		fn func(current map[int64]model.ETAPrediction) ([]model.ETAPrediction, error)) error
}

// SpeedSource answers trailing-window mean speed queries.
type SpeedSource interface {
	MeanSpeed(ctx context.Context, vehicle string, since, until time.Time) (float64, bool, error)
}

type Metrics interface {
	RecomputeObserve(d time.Duration)
	PredictionsWrittenAdd(n int)
	DelayedPredictionsAdd(n int)
}

type Engine struct {
	cfg     Config
	store   Store
	speeds  SpeedSource
	clock   clock.Clock
	log     zerolog.Logger
	metrics Metrics
}

// NewEngine wires an engine. speeds and m may be nil.
func NewEngine(cfg Config, store Store, speeds SpeedSource, clk clock.Clock, log zerolog.Logger, m Metrics) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Engine{cfg: cfg, store: store, speeds: speeds, clock: clk, log: log, metrics: m}
}

// Recompute refreshes the predictions of the vehicle for every stop from its
// next stop to the end of its route. It returns false without error when
// there is nothing to predict: no route, an empty route, or no position yet.
// All predictions of one call are written atomically.
func (e *Engine) Recompute(ctx context.Context, vehicleNumber string) (bool, error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.RecomputeObserve(time.Since(start))
		}
	}()

	v, err := e.store.VehicleByNumber(ctx, vehicleNumber)
	if err != nil {
		return false, err
	}
	if !v.HasRoute() {
		return false, nil
	}
	routeID := *v.RouteID
	stops, err := e.store.RouteStops(ctx, routeID)
	if err != nil {
		return false, fmt.Errorf("load route %d: %w", routeID, err)
	}
	if len(stops) == 0 || v.Position == nil {
		return false, nil
	}

	now := e.clock.Now()
	speed := e.averageSpeed(ctx, v, now)
	from := StartIndex(stops, v.NextStopID)
	log := e.log.With().Str("vehicle", v.Number).Int64("route", routeID).Logger()

	var written, delayed int
	err = e.store.ReconcilePredictions(ctx, v.ID, routeID, func(current map[int64]model.ETAPrediction) ([]model.ETAPrediction, error) {
		written, delayed = 0, 0
		out := make([]model.ETAPrediction, 0, len(stops)-from)
		for _, rs := range stops[from:] {
			if rs.Stop == nil {
				log.Warn().Int64("stop", rs.StopID).Msg("scheduled stop has no stop record, skipping")
				continue
			}
			d := geo.DistanceKm(*v.Position, rs.Stop.Position)
			arrival := now.Add(minutes(TravelMinutes(d, speed)))
			key := model.PredictionKey{VehicleID: v.ID, StopID: rs.StopID, RouteID: routeID}

			var prev *model.ETAPrediction
			if p, ok := current[rs.StopID]; ok {
				prev = &p
			}
			p := Reconcile(prev, key, arrival, now, e.cfg.DelayThresholdMinutes)
			if p.Delayed {
				delayed++
			}
			out = append(out, p)
		}
		written = len(out)
		return out, nil
	})
	if err != nil {
		return false, fmt.Errorf("reconcile predictions for %s: %w", v.Number, err)
	}
	if e.metrics != nil {
		e.metrics.PredictionsWrittenAdd(written)
		e.metrics.DelayedPredictionsAdd(delayed)
	}
	log.Debug().Int("predictions", written).Int("delayed", delayed).Float64("speed_kmh", speed).Msg("eta recomputed")
	return true, nil
}

func (e *Engine) averageSpeed(ctx context.Context, v *model.Vehicle, now time.Time) float64 {
	var (
		mean float64
		ok   bool
	)
	if e.speeds != nil {
		var err error
		mean, ok, err = e.speeds.MeanSpeed(ctx, v.Number, now.Add(-e.cfg.SpeedWindow), now)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn().Err(err).Str("vehicle", v.Number).Msg("speed history unavailable, using current speed")
			ok = false
		}
	}
	return AverageSpeed(mean, ok, v.Speed, e.cfg)
}

// AverageSpeed picks the speed used for prediction: the trailing mean when
// known, else the instantaneous speed when positive, else the default. The
// result never drops below the configured minimum.
func AverageSpeed(mean float64, meanOK bool, current *float64, cfg Config) float64 {
	s := cfg.DefaultSpeedKmh
	switch {
	case meanOK:
		s = mean
	case current != nil && *current > 0:
		s = *current
	}
	if s < cfg.MinSpeedKmh {
		s = cfg.MinSpeedKmh
	}
	return s
}

// TravelMinutes is the padded travel time over distanceKm at speedKmh.
func TravelMinutes(distanceKm, speedKmh float64) float64 {
	return distanceKm / speedKmh * 60 * TrafficPadding
}

// StartIndex is the position of the next stop in the route, or 0 when the
// vehicle has none or it is not on the route.
func StartIndex(stops []model.RouteStop, next *int64) int {
	if next == nil {
		return 0
	}
	for i, rs := range stops {
		if rs.StopID == *next {
			return i
		}
	}
	return 0
}

// Reconcile builds the replacement for prev. The prediction is delayed when
// the arrival moved later by more than thresholdMinutes; the delay is the
// whole number of minutes it moved.
func Reconcile(prev *model.ETAPrediction, key model.PredictionKey, arrival, now time.Time, thresholdMinutes float64) model.ETAPrediction {
	p := model.ETAPrediction{
		PredictionKey:    key,
		PredictedArrival: arrival,
		PredictedAt:      now,
	}
	if prev == nil {
		return p
	}
	diff := arrival.Sub(prev.PredictedArrival).Minutes()
	if diff > thresholdMinutes {
		p.Delayed = true
		p.DelayMinutes = int(math.Floor(diff))
	}
	return p
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
