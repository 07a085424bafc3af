package db

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS routes (
		id           BIGSERIAL PRIMARY KEY,
		route_number TEXT NOT NULL UNIQUE,
		name         TEXT NOT NULL,
		description  TEXT,
		is_active    BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS stops (
		id        BIGSERIAL PRIMARY KEY,
		stop_code TEXT NOT NULL UNIQUE,
		name      TEXT NOT NULL,
		latitude  DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		address   TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_stops (
		id                       BIGSERIAL PRIMARY KEY,
		route_id                 BIGINT NOT NULL REFERENCES routes(id),
		stop_id                  BIGINT NOT NULL,
		stop_sequence            INTEGER NOT NULL,
		scheduled_arrival_time   TEXT,
		scheduled_departure_time TEXT,
		distance_from_start      DOUBLE PRECISION,
		UNIQUE (route_id, stop_sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS vehicles (
		id             BIGSERIAL PRIMARY KEY,
		vehicle_number TEXT NOT NULL UNIQUE,
		license_plate  TEXT UNIQUE,
		capacity       INTEGER NOT NULL DEFAULT 50,
		is_active      BOOLEAN NOT NULL DEFAULT TRUE,
		latitude       DOUBLE PRECISION,
		longitude      DOUBLE PRECISION,
		speed          DOUBLE PRECISION,
		heading        DOUBLE PRECISION,
		last_updated   TIMESTAMPTZ,
		route_id       BIGINT REFERENCES routes(id),
		next_stop_id   BIGINT REFERENCES stops(id),
		CHECK ((latitude IS NULL) = (longitude IS NULL))
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id         BIGSERIAL PRIMARY KEY,
		username   TEXT NOT NULL UNIQUE,
		push_token TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS eta_predictions (
		id                BIGSERIAL PRIMARY KEY,
		vehicle_id        BIGINT NOT NULL REFERENCES vehicles(id),
		stop_id           BIGINT NOT NULL REFERENCES stops(id),
		route_id          BIGINT NOT NULL REFERENCES routes(id),
		predicted_arrival TIMESTAMPTZ NOT NULL,
		predicted_at      TIMESTAMPTZ NOT NULL,
		is_delayed        BOOLEAN NOT NULL DEFAULT FALSE,
		delay_minutes     INTEGER NOT NULL DEFAULT 0,
		UNIQUE (vehicle_id, stop_id, route_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_eta_predictions_stop ON eta_predictions(stop_id, predicted_arrival)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id                   BIGSERIAL PRIMARY KEY,
		user_id              BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		vehicle_id           BIGINT NOT NULL REFERENCES vehicles(id) ON DELETE CASCADE,
		stop_id              BIGINT NOT NULL REFERENCES stops(id) ON DELETE CASCADE,
		notify_on_approach   BOOLEAN NOT NULL DEFAULT TRUE,
		notify_on_delay      BOOLEAN NOT NULL DEFAULT TRUE,
		approach_distance_km DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		UNIQUE (user_id, vehicle_id, stop_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_vehicle_stop ON subscriptions(vehicle_id, stop_id)`,
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for i, q := range migrations {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
