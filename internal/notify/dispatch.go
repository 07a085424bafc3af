// Package notify turns fresh predictions into push notifications for the
// users subscribed to a vehicle at a stop.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/model"
)

const (
	KindApproach = "approach"
	KindDelay    = "delay"
)

type Store interface {
	VehicleByNumber(ctx context.Context, number string) (*model.Vehicle, error)
	PredictionsForVehicle(ctx context.Context, vehicleID int64) ([]model.StopPrediction, error)
	Subscribers(ctx context.Context, vehicleID, stopID int64) ([]model.Subscriber, error)
}

type Metrics interface {
	NotificationSent(kind string)
	NotificationFailed(kind string)
}

// Result counts what one dispatch did. Skipped counts subscriptions without
// a push token.
type Result struct {
	Sent    int
	Failed  int
	Skipped int
}

type Dispatcher struct {
	store   Store
	sender  Sender
	timeout time.Duration
	loc     *time.Location
	log     zerolog.Logger
	metrics Metrics
}

// NewDispatcher wires a dispatcher. loc is the zone ETAs are shown in; m may be nil.
func NewDispatcher(store Store, sender Sender, pushTimeout time.Duration, loc *time.Location, log zerolog.Logger, m Metrics) *Dispatcher {
	if pushTimeout <= 0 {
		pushTimeout = 10 * time.Second
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Dispatcher{store: store, sender: sender, timeout: pushTimeout, loc: loc, log: log, metrics: m}
}

// Dispatch evaluates every subscription on every predicted stop of the
// vehicle. Gateway failures are logged and counted but never stop the loop;
// only failing to read the vehicle or its predictions is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, vehicleNumber string) (Result, error) {
	var res Result
	v, err := d.store.VehicleByNumber(ctx, vehicleNumber)
	if err != nil {
		return res, err
	}
	if v.Position == nil {
		return res, nil
	}
	preds, err := d.store.PredictionsForVehicle(ctx, v.ID)
	if err != nil {
		return res, fmt.Errorf("load predictions for %s: %w", v.Number, err)
	}

	for _, p := range preds {
		distance := geo.DistanceKm(*v.Position, p.Stop.Position)
		subs, err := d.store.Subscribers(ctx, v.ID, p.StopID)
		if err != nil {
			d.log.Error().Err(err).Str("vehicle", v.Number).Int64("stop", p.StopID).Msg("load subscriptions")
			continue
		}
		for _, sub := range subs {
			if sub.PushToken == "" {
				res.Skipped++
				continue
			}
			if sub.NotifyOnApproach && distance <= sub.ApproachDistanceKm {
				d.send(ctx, &res, KindApproach, ApproachMessage(v, p, distance, d.loc), sub)
			}
			if sub.NotifyOnDelay && p.Delayed {
				d.send(ctx, &res, KindDelay, DelayMessage(v, p, d.loc), sub)
			}
		}
	}
	return res, nil
}

func (d *Dispatcher) send(ctx context.Context, res *Result, kind string, n Notification, sub model.Subscriber) {
	n.Token = sub.PushToken
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	err := d.sender.Send(sctx, n)
	cancel()
	if err != nil {
		res.Failed++
		if d.metrics != nil {
			d.metrics.NotificationFailed(kind)
		}
		d.log.Warn().Err(err).
			Str("kind", kind).
			Int64("user", sub.UserID).
			Int64("stop", sub.StopID).
			Bool("unregistered", errors.Is(err, ErrUnregistered)).
			Msg("push delivery failed")
		return
	}
	res.Sent++
	if d.metrics != nil {
		d.metrics.NotificationSent(kind)
	}
}

// ApproachMessage tells a subscriber the vehicle is close to their stop.
func ApproachMessage(v *model.Vehicle, p model.StopPrediction, distanceKm float64, loc *time.Location) Notification {
	return Notification{
		Title: fmt.Sprintf("Vehicle %s approaching", v.Number),
		Body:  fmt.Sprintf("Vehicle %s is %s km away from %s", v.Number, FormatDistance(distanceKm), p.Stop.Name),
		Data: map[string]string{
			"vehicle_id":        strconv.FormatInt(v.ID, 10),
			"vehicle_number":    v.Number,
			"stop_id":           strconv.FormatInt(p.StopID, 10),
			"stop_name":         p.Stop.Name,
			"distance":          strconv.FormatFloat(distanceKm, 'f', 2, 64),
			"eta":               p.PredictedArrival.In(loc).Format(time.RFC3339),
			"notification_type": KindApproach,
		},
	}
}

// DelayMessage tells a subscriber the arrival at their stop slipped.
func DelayMessage(v *model.Vehicle, p model.StopPrediction, loc *time.Location) Notification {
	eta := p.PredictedArrival.In(loc)
	return Notification{
		Title: fmt.Sprintf("Vehicle %s delayed", v.Number),
		Body: fmt.Sprintf("Vehicle %s to %s is delayed by %d minutes. New ETA: %s",
			v.Number, p.Stop.Name, p.DelayMinutes, eta.Format("15:04")),
		Data: map[string]string{
			"vehicle_id":        strconv.FormatInt(v.ID, 10),
			"vehicle_number":    v.Number,
			"stop_id":           strconv.FormatInt(p.StopID, 10),
			"stop_name":         p.Stop.Name,
			"delay_minutes":     strconv.Itoa(p.DelayMinutes),
			"eta":               eta.Format(time.RFC3339),
			"notification_type": KindDelay,
		},
	}
}

// FormatDistance shows one decimal below a kilometre and whole kilometres above.
func FormatDistance(km float64) string {
	if km < 1 {
		return strconv.FormatFloat(km, 'f', 1, 64)
	}
	return strconv.Itoa(int(km))
}
