package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fleet-tracker/internal/model"
)

// ReconcilePredictions hands the current predictions of a vehicle on a route,
// keyed by stop id and locked for update, to fn and upserts whatever fn
// returns. Everything happens in one transaction; an error from fn or from
// any write rolls the whole invocation back.
func (s *Store) ReconcilePredictions(ctx context.Context, vehicleID, routeID int64,
	fn func(current map[int64]model.ETAPrediction) ([]model.ETAPrediction, error)) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT vehicle_id, stop_id, route_id, predicted_arrival, predicted_at, is_delayed, delay_minutes
FROM eta_predictions
WHERE vehicle_id = $1 AND route_id = $2
FOR UPDATE`, vehicleID, routeID)
		if err != nil {
			return fmt.Errorf("query predictions: %w", err)
		}
		current := make(map[int64]model.ETAPrediction)
		for rows.Next() {
			p, err := scanPrediction(rows)
			if err != nil {
				rows.Close()
				return err
			}
			current[p.StopID] = p
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		next, err := fn(current)
		if err != nil {
			return err
		}
		for _, p := range next {
			_, err := tx.ExecContext(ctx, `
INSERT INTO eta_predictions (vehicle_id, stop_id, route_id, predicted_arrival, predicted_at, is_delayed, delay_minutes)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (vehicle_id, stop_id, route_id) DO UPDATE SET
	predicted_arrival = EXCLUDED.predicted_arrival,
	predicted_at = EXCLUDED.predicted_at,
	is_delayed = EXCLUDED.is_delayed,
	delay_minutes = EXCLUDED.delay_minutes`,
				p.VehicleID, p.StopID, p.RouteID, p.PredictedArrival, p.PredictedAt, p.Delayed, p.DelayMinutes)
			if err != nil {
				return fmt.Errorf("upsert prediction for stop %d: %w", p.StopID, err)
			}
		}
		return nil
	})
}

func scanPrediction(row rowScanner) (model.ETAPrediction, error) {
	var p model.ETAPrediction
	err := row.Scan(&p.VehicleID, &p.StopID, &p.RouteID, &p.PredictedArrival, &p.PredictedAt, &p.Delayed, &p.DelayMinutes)
	p.PredictedArrival = p.PredictedArrival.UTC()
	p.PredictedAt = p.PredictedAt.UTC()
	return p, err
}

// PredictionsForVehicle returns every current prediction of the vehicle,
// across routes, joined with its stop.
func (s *Store) PredictionsForVehicle(ctx context.Context, vehicleID int64) ([]model.StopPrediction, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
SELECT p.vehicle_id, p.stop_id, p.route_id, p.predicted_arrival, p.predicted_at, p.is_delayed, p.delay_minutes,
       s.stop_code, s.name, s.latitude, s.longitude, COALESCE(s.address, ''), s.is_active
FROM eta_predictions p
JOIN stops s ON s.id = p.stop_id
WHERE p.vehicle_id = $1
ORDER BY p.predicted_arrival`, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("query vehicle predictions: %w", err)
	}
	defer rows.Close()

	var out []model.StopPrediction
	for rows.Next() {
		var sp model.StopPrediction
		if err := rows.Scan(&sp.VehicleID, &sp.StopID, &sp.RouteID, &sp.PredictedArrival, &sp.PredictedAt, &sp.Delayed, &sp.DelayMinutes,
			&sp.Stop.Code, &sp.Stop.Name, &sp.Stop.Position.Lat, &sp.Stop.Position.Lon, &sp.Stop.Address, &sp.Stop.Active); err != nil {
			return nil, err
		}
		sp.Stop.ID = sp.StopID
		sp.PredictedArrival = sp.PredictedArrival.UTC()
		sp.PredictedAt = sp.PredictedAt.UTC()
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *Store) Prediction(ctx context.Context, key model.PredictionKey) (*model.ETAPrediction, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	p, err := scanPrediction(s.db.QueryRowContext(ctx, `
SELECT vehicle_id, stop_id, route_id, predicted_arrival, predicted_at, is_delayed, delay_minutes
FROM eta_predictions
WHERE vehicle_id = $1 AND stop_id = $2 AND route_id = $3`, key.VehicleID, key.StopID, key.RouteID))
	if err != nil {
		return nil, notFound(err, "prediction")
	}
	return &p, nil
}

// ArrivalsForStop returns predictions for the stop arriving after the given
// time, earliest first, for active vehicles only.
func (s *Store) ArrivalsForStop(ctx context.Context, stopID int64, after time.Time) ([]model.Arrival, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
SELECT p.vehicle_id, p.stop_id, p.route_id, p.predicted_arrival, p.predicted_at, p.is_delayed, p.delay_minutes,
       v.vehicle_number, v.latitude, v.longitude, r.route_number, r.name
FROM eta_predictions p
JOIN vehicles v ON v.id = p.vehicle_id
JOIN routes r ON r.id = p.route_id
WHERE p.stop_id = $1 AND p.predicted_arrival > $2 AND v.is_active
ORDER BY p.predicted_arrival`, stopID, after)
	if err != nil {
		return nil, fmt.Errorf("query stop arrivals: %w", err)
	}
	defer rows.Close()

	var out []model.Arrival
	for rows.Next() {
		var (
			a        model.Arrival
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&a.VehicleID, &a.StopID, &a.RouteID, &a.PredictedArrival, &a.PredictedAt, &a.Delayed, &a.DelayMinutes,
			&a.VehicleNumber, &lat, &lon, &a.RouteNumber, &a.RouteName); err != nil {
			return nil, err
		}
		a.VehiclePosition = positionOf(lat, lon)
		a.PredictedArrival = a.PredictedArrival.UTC()
		a.PredictedAt = a.PredictedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
