package db

import (
	"context"
	"database/sql"
	"fmt"

	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/model"
)

// RouteStops returns the scheduled stops of a route in sequence order. A
// scheduled stop whose stop row is gone comes back with a nil Stop.
func (s *Store) RouteStops(ctx context.Context, routeID int64) ([]model.RouteStop, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	q := `
SELECT ss.route_id, ss.stop_id, ss.stop_sequence,
       COALESCE(ss.scheduled_arrival_time, ''),
       COALESCE(ss.scheduled_departure_time, ''),
       ss.distance_from_start,
       s.id, s.stop_code, s.name, s.latitude, s.longitude, s.address, s.is_active
FROM scheduled_stops ss
LEFT JOIN stops s ON s.id = ss.stop_id
WHERE ss.route_id = $1
ORDER BY ss.stop_sequence`
	rows, err := s.db.QueryContext(ctx, q, routeID)
	if err != nil {
		return nil, fmt.Errorf("query scheduled stops: %w", err)
	}
	defer rows.Close()

	var out []model.RouteStop
	for rows.Next() {
		var (
			rs              model.RouteStop
			dist            sql.NullFloat64
			stopID          sql.NullInt64
			code, name, adr sql.NullString
			lat, lon        sql.NullFloat64
			active          sql.NullBool
		)
		if err := rows.Scan(&rs.RouteID, &rs.StopID, &rs.Sequence, &rs.ScheduledArrival, &rs.ScheduledDepart, &dist,
			&stopID, &code, &name, &lat, &lon, &adr, &active); err != nil {
			return nil, err
		}
		rs.DistanceFromStart = floatPtr(dist)
		if stopID.Valid {
			rs.Stop = &model.Stop{
				ID:       stopID.Int64,
				Code:     code.String,
				Name:     name.String,
				Position: geo.Point{Lat: lat.Float64, Lon: lon.Float64},
				Address:  adr.String,
				Active:   active.Bool,
			}
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (s *Store) Route(ctx context.Context, id int64) (*model.Route, error) {
	qctx, cancel := s.bound(ctx)
	var r model.Route
	err := s.db.QueryRowContext(qctx,
		`SELECT id, route_number, name, COALESCE(description, ''), is_active FROM routes WHERE id = $1`, id).
		Scan(&r.ID, &r.Number, &r.Name, &r.Description, &r.Active)
	cancel()
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("route %d", id))
	}
	stops, err := s.RouteStops(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Stops = stops
	return &r, nil
}

func (s *Store) Stop(ctx context.Context, id int64) (*model.Stop, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var st model.Stop
	err := s.db.QueryRowContext(ctx,
		`SELECT id, stop_code, name, latitude, longitude, COALESCE(address, ''), is_active FROM stops WHERE id = $1`, id).
		Scan(&st.ID, &st.Code, &st.Name, &st.Position.Lat, &st.Position.Lon, &st.Address, &st.Active)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("stop %d", id))
	}
	return &st, nil
}
