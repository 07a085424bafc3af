package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/model"
)

type position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func positionOf(p *geo.Point) *position {
	if p == nil {
		return nil
	}
	return &position{Lat: p.Lat, Lon: p.Lon}
}

type VehicleResponse struct {
	ID           int64      `json:"id"`
	Number       string     `json:"number"`
	LicensePlate string     `json:"license_plate,omitempty"`
	Capacity     int        `json:"capacity,omitempty"`
	Position     *position  `json:"position"`
	Speed        *float64   `json:"speed"`
	Heading      *float64   `json:"heading"`
	LastUpdated  *time.Time `json:"last_updated"`
	RouteID      *int64     `json:"route_id"`
	NextStopID   *int64     `json:"next_stop_id"`
	NextStopETA  *time.Time `json:"next_stop_eta,omitempty"`
	Delayed      bool       `json:"delayed"`
	DelayMinutes int        `json:"delay_minutes,omitempty"`
}

// ListVehicles returns every active vehicle with the ETA at its next stop
// when one has been predicted.
func (h *Handler) ListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := h.store.ActiveVehicles(r.Context())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	out := make([]VehicleResponse, 0, len(vehicles))
	for _, v := range vehicles {
		resp := VehicleResponse{
			ID:           v.ID,
			Number:       v.Number,
			LicensePlate: v.LicensePlate,
			Capacity:     v.Capacity,
			Position:     positionOf(v.Position),
			Speed:        v.Speed,
			Heading:      v.Heading,
			LastUpdated:  v.LastUpdated,
			RouteID:      v.RouteID,
			NextStopID:   v.NextStopID,
		}
		if v.RouteID != nil && v.NextStopID != nil {
			p, err := h.store.Prediction(r.Context(), model.PredictionKey{VehicleID: v.ID, StopID: *v.NextStopID, RouteID: *v.RouteID})
			switch {
			case err == nil:
				eta := p.PredictedArrival
				resp.NextStopETA = &eta
				resp.Delayed = p.Delayed
				resp.DelayMinutes = p.DelayMinutes
			case !errors.Is(err, model.ErrNotFound):
				h.storeError(w, r, err)
				return
			}
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

type TelemetryResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Position  position  `json:"position"`
	Speed     float64   `json:"speed"`
	Heading   *float64  `json:"heading,omitempty"`
}

// VehicleTelemetry returns the vehicle's samples from the last ?minutes=N
// minutes, oldest first.
func (h *Handler) VehicleTelemetry(w http.ResponseWriter, r *http.Request) {
	minutes := defaultHistoryMinutes
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryMinutes {
			writeError(w, http.StatusBadRequest, "invalid_minutes", "minutes must be between 1 and 1440")
			return
		}
		minutes = n
	}

	number := chi.URLParam(r, "number")
	if _, err := h.store.VehicleByNumber(r.Context(), number); err != nil {
		h.storeError(w, r, err)
		return
	}
	now := h.clock.Now()
	samples, err := h.history.History(r.Context(), number, now.Add(-time.Duration(minutes)*time.Minute), now)
	if err != nil {
		h.log.Error().Err(err).Str("vehicle", number).Msg("read speed history")
		writeError(w, http.StatusServiceUnavailable, "history_unavailable", "")
		return
	}
	out := make([]TelemetryResponse, 0, len(samples))
	for _, s := range samples {
		out = append(out, TelemetryResponse{
			Timestamp: s.Timestamp,
			Position:  position{Lat: s.Latitude, Lon: s.Longitude},
			Speed:     s.Speed,
			Heading:   s.Heading,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type ArrivalResponse struct {
	VehicleID        int64     `json:"vehicle_id"`
	VehicleNumber    string    `json:"vehicle_number"`
	VehiclePosition  *position `json:"vehicle_position"`
	RouteID          int64     `json:"route_id"`
	RouteNumber      string    `json:"route_number"`
	RouteName        string    `json:"route_name"`
	PredictedArrival time.Time `json:"predicted_arrival"`
	MinutesAway      int       `json:"minutes_away"`
	Delayed          bool      `json:"delayed"`
	DelayMinutes     int       `json:"delay_minutes"`
}

// StopArrivals is the stop's arrival board: predictions still in the future,
// soonest first.
func (h *Handler) StopArrivals(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "stopID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "stop id must be a positive integer")
		return
	}
	if _, err := h.store.Stop(r.Context(), id); err != nil {
		h.storeError(w, r, err)
		return
	}
	now := h.clock.Now()
	arrivals, err := h.store.ArrivalsForStop(r.Context(), id, now)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	out := make([]ArrivalResponse, 0, len(arrivals))
	for _, a := range arrivals {
		out = append(out, ArrivalResponse{
			VehicleID:        a.VehicleID,
			VehicleNumber:    a.VehicleNumber,
			VehiclePosition:  positionOf(a.VehiclePosition),
			RouteID:          a.RouteID,
			RouteNumber:      a.RouteNumber,
			RouteName:        a.RouteName,
			PredictedArrival: a.PredictedArrival,
			MinutesAway:      int(a.PredictedArrival.Sub(now).Minutes()),
			Delayed:          a.Delayed,
			DelayMinutes:     a.DelayMinutes,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type RouteStopResponse struct {
	StopID            int64     `json:"stop_id"`
	Sequence          int       `json:"sequence"`
	Code              string    `json:"code,omitempty"`
	Name              string    `json:"name,omitempty"`
	Position          *position `json:"position"`
	ScheduledArrival  string    `json:"scheduled_arrival,omitempty"`
	ScheduledDepart   string    `json:"scheduled_departure,omitempty"`
	DistanceFromStart *float64  `json:"distance_from_start,omitempty"`
}

type RouteResponse struct {
	ID          int64               `json:"id"`
	Number      string              `json:"number"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Active      bool                `json:"active"`
	Stops       []RouteStopResponse `json:"stops"`
}

func (h *Handler) GetRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "routeID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "route id must be a positive integer")
		return
	}
	route, err := h.store.Route(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	resp := RouteResponse{
		ID:          route.ID,
		Number:      route.Number,
		Name:        route.Name,
		Description: route.Description,
		Active:      route.Active,
		Stops:       make([]RouteStopResponse, 0, len(route.Stops)),
	}
	for _, rs := range route.Stops {
		s := RouteStopResponse{
			StopID:            rs.StopID,
			Sequence:          rs.Sequence,
			ScheduledArrival:  rs.ScheduledArrival,
			ScheduledDepart:   rs.ScheduledDepart,
			DistanceFromStart: rs.DistanceFromStart,
		}
		if rs.Stop != nil {
			s.Code = rs.Stop.Code
			s.Name = rs.Stop.Name
			s.Position = positionOf(&rs.Stop.Position)
		}
		resp.Stops = append(resp.Stops, s)
	}
	writeJSON(w, http.StatusOK, resp)
}

type SubscriptionRequest struct {
	UserID             int64    `json:"user_id"`
	VehicleID          int64    `json:"vehicle_id"`
	StopID             int64    `json:"stop_id"`
	NotifyOnApproach   *bool    `json:"notify_on_approach"`
	NotifyOnDelay      *bool    `json:"notify_on_delay"`
	ApproachDistanceKm *float64 `json:"approach_distance_km"`
}

type SubscriptionResponse struct {
	ID                 int64   `json:"id"`
	UserID             int64   `json:"user_id"`
	VehicleID          int64   `json:"vehicle_id"`
	StopID             int64   `json:"stop_id"`
	NotifyOnApproach   bool    `json:"notify_on_approach"`
	NotifyOnDelay      bool    `json:"notify_on_delay"`
	ApproachDistanceKm float64 `json:"approach_distance_km"`
}

// CreateSubscription registers (or updates) a user's interest in a vehicle
// at a stop. Both notification kinds default to on.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.UserID <= 0 || req.VehicleID <= 0 || req.StopID <= 0 {
		writeError(w, http.StatusBadRequest, "missing_fields", "user_id, vehicle_id and stop_id are required")
		return
	}
	sub := model.Subscription{
		UserID:             req.UserID,
		VehicleID:          req.VehicleID,
		StopID:             req.StopID,
		NotifyOnApproach:   true,
		NotifyOnDelay:      true,
		ApproachDistanceKm: model.DefaultApproachDistanceKm,
	}
	if req.NotifyOnApproach != nil {
		sub.NotifyOnApproach = *req.NotifyOnApproach
	}
	if req.NotifyOnDelay != nil {
		sub.NotifyOnDelay = *req.NotifyOnDelay
	}
	if req.ApproachDistanceKm != nil {
		if *req.ApproachDistanceKm <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_distance", "approach_distance_km must be positive")
			return
		}
		sub.ApproachDistanceKm = *req.ApproachDistanceKm
	}

	saved, err := h.store.UpsertSubscription(r.Context(), sub)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubscriptionResponse{
		ID:                 saved.ID,
		UserID:             saved.UserID,
		VehicleID:          saved.VehicleID,
		StopID:             saved.StopID,
		NotifyOnApproach:   saved.NotifyOnApproach,
		NotifyOnDelay:      saved.NotifyOnDelay,
		ApproachDistanceKm: saved.ApproachDistanceKm,
	})
}

func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "subscription id must be a positive integer")
		return
	}
	if err := h.store.DeleteSubscription(r.Context(), id); err != nil {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type PushTokenRequest struct {
	Token string `json:"push_token"`
}

// SetPushToken registers the user's device token. An empty token clears it,
// which stops all deliveries to the user.
func (h *Handler) SetPushToken(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "user id must be a positive integer")
		return
	}
	var req PushTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if err := h.store.SetPushToken(r.Context(), id, req.Token); err != nil {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
