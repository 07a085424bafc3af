package db

import (
	"context"
	"fmt"

	"fleet-tracker/internal/model"
)

// Subscribers returns the subscriptions on (vehicle, stop) with the push
// token of each subscribing user. Users without a token, or whose row is
// gone, come back with an empty token.
func (s *Store) Subscribers(ctx context.Context, vehicleID, stopID int64) ([]model.Subscriber, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
SELECT sub.id, sub.user_id, sub.vehicle_id, sub.stop_id,
       sub.notify_on_approach, sub.notify_on_delay, sub.approach_distance_km,
       COALESCE(u.push_token, '')
FROM subscriptions sub
LEFT JOIN users u ON u.id = sub.user_id
WHERE sub.vehicle_id = $1 AND sub.stop_id = $2
ORDER BY sub.id`, vehicleID, stopID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []model.Subscriber
	for rows.Next() {
		var sub model.Subscriber
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.VehicleID, &sub.StopID,
			&sub.NotifyOnApproach, &sub.NotifyOnDelay, &sub.ApproachDistanceKm, &sub.PushToken); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// UpsertSubscription creates the subscription for its (user, vehicle, stop)
// triple or replaces the preferences of the existing one.
func (s *Store) UpsertSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if sub.ApproachDistanceKm <= 0 {
		sub.ApproachDistanceKm = model.DefaultApproachDistanceKm
	}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO subscriptions (user_id, vehicle_id, stop_id, notify_on_approach, notify_on_delay, approach_distance_km)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, vehicle_id, stop_id) DO UPDATE SET
	notify_on_approach = EXCLUDED.notify_on_approach,
	notify_on_delay = EXCLUDED.notify_on_delay,
	approach_distance_km = EXCLUDED.approach_distance_km
RETURNING id`,
		sub.UserID, sub.VehicleID, sub.StopID, sub.NotifyOnApproach, sub.NotifyOnDelay, sub.ApproachDistanceKm).Scan(&sub.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.Subscription{}, fmt.Errorf("subscription references: %w", model.ErrNotFound)
		}
		return model.Subscription{}, fmt.Errorf("upsert subscription: %w", err)
	}
	return sub, nil
}

func (s *Store) DeleteSubscription(ctx context.Context, id int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// SetPushToken registers (or, with an empty token, clears) the device token of a user.
func (s *Store) SetPushToken(ctx context.Context, userID int64, token string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE users SET push_token = NULLIF($2, '') WHERE id = $1`, userID, token)
	if err != nil {
		return fmt.Errorf("update push token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", userID, model.ErrNotFound)
	}
	return nil
}
