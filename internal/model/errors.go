package model

import "errors"

var (
	// ErrNotFound is returned for unknown vehicles, routes, stops, users and
	// subscriptions. Callers drop the work item; entities are never auto-created.
	ErrNotFound = errors.New("not found")

	// ErrStale is returned when telemetry older than the stored position is
	// rejected by the optional stale guard.
	ErrStale = errors.New("stale telemetry")
)
