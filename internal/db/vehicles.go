package db

import (
	"context"
	"database/sql"
	"fmt"

	"fleet-tracker/internal/model"
)

const vehicleColumns = `id, vehicle_number, COALESCE(license_plate, ''), capacity, is_active,
	latitude, longitude, speed, heading, last_updated, route_id, next_stop_id`

func scanVehicle(row rowScanner) (*model.Vehicle, error) {
	var (
		v                     model.Vehicle
		lat, lon, speed, head sql.NullFloat64
		updated               sql.NullTime
		routeID, nextStopID   sql.NullInt64
	)
	err := row.Scan(&v.ID, &v.Number, &v.LicensePlate, &v.Capacity, &v.Active,
		&lat, &lon, &speed, &head, &updated, &routeID, &nextStopID)
	if err != nil {
		return nil, err
	}
	v.Position = positionOf(lat, lon)
	v.Speed = floatPtr(speed)
	v.Heading = floatPtr(head)
	v.LastUpdated = timePtr(updated)
	v.RouteID = int64Ptr(routeID)
	v.NextStopID = int64Ptr(nextStopID)
	return &v, nil
}

func (s *Store) VehicleByNumber(ctx context.Context, number string) (*model.Vehicle, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	q := `SELECT ` + vehicleColumns + ` FROM vehicles WHERE vehicle_number = $1`
	v, err := scanVehicle(s.db.QueryRowContext(ctx, q, number))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("vehicle %q", number))
	}
	return v, nil
}

// ActiveVehicles lists active vehicles ordered by number.
func (s *Store) ActiveVehicles(ctx context.Context) ([]model.Vehicle, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	q := `SELECT ` + vehicleColumns + ` FROM vehicles WHERE is_active ORDER BY vehicle_number`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query vehicles: %w", err)
	}
	defer rows.Close()
	var out []model.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// ApplyTelemetry overwrites the vehicle's live state with the sample in one
// short transaction and, for a vehicle on a route without a next stop, points
// it at the first stop of the route. With rejectStale set, samples older than
// the stored last update are refused with model.ErrStale.
func (s *Store) ApplyTelemetry(ctx context.Context, sample model.TelemetrySample, rejectStale bool) (*model.Vehicle, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var out *model.Vehicle
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			id      int64
			updated sql.NullTime
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, last_updated FROM vehicles WHERE vehicle_number = $1 FOR UPDATE`,
			sample.VehicleNumber).Scan(&id, &updated)
		if err != nil {
			return notFound(err, fmt.Sprintf("vehicle %q", sample.VehicleNumber))
		}
		if rejectStale && updated.Valid && sample.Timestamp.Before(updated.Time) {
			return fmt.Errorf("vehicle %q sample at %s before %s: %w",
				sample.VehicleNumber, sample.Timestamp, updated.Time, model.ErrStale)
		}

		q := `
UPDATE vehicles SET
	latitude = $2,
	longitude = $3,
	speed = $4,
	heading = COALESCE($5, heading),
	last_updated = $6,
	next_stop_id = CASE
		WHEN next_stop_id IS NULL AND route_id IS NOT NULL THEN (
			SELECT ss.stop_id FROM scheduled_stops ss
			JOIN stops s ON s.id = ss.stop_id
			WHERE ss.route_id = vehicles.route_id
			ORDER BY ss.stop_sequence LIMIT 1)
		ELSE next_stop_id
	END
WHERE id = $1
RETURNING ` + vehicleColumns
		v, err := scanVehicle(tx.QueryRowContext(ctx, q, id,
			sample.Latitude, sample.Longitude, sample.Speed, sample.Heading, sample.Timestamp))
		if err != nil {
			return fmt.Errorf("update vehicle %q: %w", sample.VehicleNumber, err)
		}
		out = v
		return nil
	})
	return out, err
}
