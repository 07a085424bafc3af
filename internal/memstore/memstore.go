// Package memstore is an in-memory implementation of the tracker store. It
// follows the PostgreSQL store's rules for vehicle state, predictions and
// subscriptions, without its transactions or timeouts. The pipeline and API
// tests run against it.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fleet-tracker/internal/model"
)

type Store struct {
	mu sync.Mutex

	nextID      int64
	routes      map[int64]model.Route
	stops       map[int64]model.Stop
	scheduled   map[int64][]model.ScheduledStop // by route, kept in sequence order
	vehicles    map[int64]*model.Vehicle
	byNumber    map[string]int64
	users       map[int64]model.User
	subs        map[int64]model.Subscription
	predictions map[model.PredictionKey]model.ETAPrediction
}

func New() *Store {
	return &Store{
		routes:      make(map[int64]model.Route),
		stops:       make(map[int64]model.Stop),
		scheduled:   make(map[int64][]model.ScheduledStop),
		vehicles:    make(map[int64]*model.Vehicle),
		byNumber:    make(map[string]int64),
		users:       make(map[int64]model.User),
		subs:        make(map[int64]model.Subscription),
		predictions: make(map[model.PredictionKey]model.ETAPrediction),
	}
}

func (s *Store) id(given int64) int64 {
	if given != 0 {
		if given > s.nextID {
			s.nextID = given
		}
		return given
	}
	s.nextID++
	return s.nextID
}

// AddRoute registers a route and returns its id. Route.Stops is ignored; use
// AddScheduledStop.
func (s *Store) AddRoute(r model.Route) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.id(r.ID)
	r.Stops = nil
	s.routes[r.ID] = r
	return r.ID
}

func (s *Store) AddStop(st model.Stop) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.ID = s.id(st.ID)
	s.stops[st.ID] = st
	return st.ID
}

// AddScheduledStop binds a stop to a route. The stop does not have to exist,
// mirroring the database which keeps no foreign key on it.
func (s *Store) AddScheduledStop(ss model.ScheduledStop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[ss.RouteID]; !ok {
		return fmt.Errorf("route %d: %w", ss.RouteID, model.ErrNotFound)
	}
	list := s.scheduled[ss.RouteID]
	for _, e := range list {
		if e.Sequence == ss.Sequence {
			return fmt.Errorf("route %d already has sequence %d", ss.RouteID, ss.Sequence)
		}
	}
	list = append(list, ss)
	sort.Slice(list, func(i, j int) bool { return list[i].Sequence < list[j].Sequence })
	s.scheduled[ss.RouteID] = list
	return nil
}

func (s *Store) AddVehicle(v model.Vehicle) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.ID = s.id(v.ID)
	cp := cloneVehicle(&v)
	s.vehicles[v.ID] = cp
	s.byNumber[v.Number] = v.ID
	return v.ID
}

func (s *Store) AddUser(u model.User) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.ID = s.id(u.ID)
	s.users[u.ID] = u
	return u.ID
}

// PutPrediction stores p as the current prediction for its key.
func (s *Store) PutPrediction(p model.ETAPrediction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.predictions[p.PredictionKey] = p
}

// Predictions returns every stored prediction ordered by vehicle, route, stop.
func (s *Store) Predictions() []model.ETAPrediction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ETAPrediction, 0, len(s.predictions))
	for _, p := range s.predictions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].PredictionKey, out[j].PredictionKey
		if a.VehicleID != b.VehicleID {
			return a.VehicleID < b.VehicleID
		}
		if a.RouteID != b.RouteID {
			return a.RouteID < b.RouteID
		}
		return a.StopID < b.StopID
	})
	return out
}

func (s *Store) VehicleByNumber(_ context.Context, number string) (*model.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byNumber[number]
	if !ok {
		return nil, fmt.Errorf("vehicle %q: %w", number, model.ErrNotFound)
	}
	return cloneVehicle(s.vehicles[id]), nil
}

func (s *Store) ActiveVehicles(_ context.Context) ([]model.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Vehicle
	for _, v := range s.vehicles {
		if v.Active {
			out = append(out, *cloneVehicle(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *Store) ApplyTelemetry(_ context.Context, sample model.TelemetrySample, rejectStale bool) (*model.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byNumber[sample.VehicleNumber]
	if !ok {
		return nil, fmt.Errorf("vehicle %q: %w", sample.VehicleNumber, model.ErrNotFound)
	}
	v := s.vehicles[id]
	if rejectStale && v.LastUpdated != nil && sample.Timestamp.Before(*v.LastUpdated) {
		return nil, fmt.Errorf("vehicle %q sample at %s before %s: %w",
			sample.VehicleNumber, sample.Timestamp, *v.LastUpdated, model.ErrStale)
	}

	pos := sample.Position()
	speed := sample.Speed
	ts := sample.Timestamp.UTC()
	v.Position = &pos
	v.Speed = &speed
	if sample.Heading != nil {
		h := *sample.Heading
		v.Heading = &h
	}
	v.LastUpdated = &ts
	if v.NextStopID == nil && v.RouteID != nil {
		for _, ss := range s.scheduled[*v.RouteID] {
			if _, ok := s.stops[ss.StopID]; ok {
				first := ss.StopID
				v.NextStopID = &first
				break
			}
		}
	}
	return cloneVehicle(v), nil
}

func (s *Store) RouteStops(_ context.Context, routeID int64) ([]model.RouteStop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routeStops(routeID), nil
}

func (s *Store) routeStops(routeID int64) []model.RouteStop {
	list := s.scheduled[routeID]
	out := make([]model.RouteStop, 0, len(list))
	for _, ss := range list {
		rs := model.RouteStop{ScheduledStop: ss}
		if st, ok := s.stops[ss.StopID]; ok {
			rs.Stop = &st
		}
		out = append(out, rs)
	}
	return out
}

func (s *Store) Route(_ context.Context, id int64) (*model.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[id]
	if !ok {
		return nil, fmt.Errorf("route %d: %w", id, model.ErrNotFound)
	}
	r.Stops = s.routeStops(id)
	return &r, nil
}

func (s *Store) Stop(_ context.Context, id int64) (*model.Stop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stops[id]
	if !ok {
		return nil, fmt.Errorf("stop %d: %w", id, model.ErrNotFound)
	}
	return &st, nil
}

// ReconcilePredictions runs fn under the store lock. Nothing is written when
// fn fails or returns a prediction for an unknown stop.
func (s *Store) ReconcilePredictions(_ context.Context, vehicleID, routeID int64,
	fn func(current map[int64]model.ETAPrediction) ([]model.ETAPrediction, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[int64]model.ETAPrediction)
	for k, p := range s.predictions {
		if k.VehicleID == vehicleID && k.RouteID == routeID {
			current[k.StopID] = p
		}
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	for _, p := range next {
		if _, ok := s.stops[p.StopID]; !ok {
			return fmt.Errorf("upsert prediction for stop %d: %w", p.StopID, model.ErrNotFound)
		}
	}
	for _, p := range next {
		p.PredictedArrival = p.PredictedArrival.UTC()
		p.PredictedAt = p.PredictedAt.UTC()
		s.predictions[p.PredictionKey] = p
	}
	return nil
}

func (s *Store) PredictionsForVehicle(_ context.Context, vehicleID int64) ([]model.StopPrediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.StopPrediction
	for k, p := range s.predictions {
		if k.VehicleID != vehicleID {
			continue
		}
		st, ok := s.stops[k.StopID]
		if !ok {
			continue
		}
		out = append(out, model.StopPrediction{ETAPrediction: p, Stop: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PredictedArrival.Before(out[j].PredictedArrival) })
	return out, nil
}

func (s *Store) Prediction(_ context.Context, key model.PredictionKey) (*model.ETAPrediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.predictions[key]
	if !ok {
		return nil, fmt.Errorf("prediction: %w", model.ErrNotFound)
	}
	return &p, nil
}

func (s *Store) ArrivalsForStop(_ context.Context, stopID int64, after time.Time) ([]model.Arrival, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Arrival
	for k, p := range s.predictions {
		if k.StopID != stopID || !p.PredictedArrival.After(after) {
			continue
		}
		v, ok := s.vehicles[k.VehicleID]
		if !ok || !v.Active {
			continue
		}
		r, ok := s.routes[k.RouteID]
		if !ok {
			continue
		}
		a := model.Arrival{ETAPrediction: p, VehicleNumber: v.Number, RouteNumber: r.Number, RouteName: r.Name}
		if v.Position != nil {
			pos := *v.Position
			a.VehiclePosition = &pos
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PredictedArrival.Before(out[j].PredictedArrival) })
	return out, nil
}

func (s *Store) Subscribers(_ context.Context, vehicleID, stopID int64) ([]model.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Subscriber
	for _, sub := range s.subs {
		if sub.VehicleID != vehicleID || sub.StopID != stopID {
			continue
		}
		out = append(out, model.Subscriber{Subscription: sub, PushToken: s.users[sub.UserID].PushToken})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertSubscription(_ context.Context, sub model.Subscription) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, okUser := s.users[sub.UserID]
	_, okVehicle := s.vehicles[sub.VehicleID]
	_, okStop := s.stops[sub.StopID]
	if !okUser || !okVehicle || !okStop {
		return model.Subscription{}, fmt.Errorf("subscription references: %w", model.ErrNotFound)
	}
	if sub.ApproachDistanceKm <= 0 {
		sub.ApproachDistanceKm = model.DefaultApproachDistanceKm
	}
	for id, e := range s.subs {
		if e.UserID == sub.UserID && e.VehicleID == sub.VehicleID && e.StopID == sub.StopID {
			sub.ID = id
			s.subs[id] = sub
			return sub, nil
		}
	}
	sub.ID = s.id(0)
	s.subs[sub.ID] = sub
	return sub, nil
}

func (s *Store) DeleteSubscription(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return fmt.Errorf("subscription %d: %w", id, model.ErrNotFound)
	}
	delete(s.subs, id)
	return nil
}

func (s *Store) SetPushToken(_ context.Context, userID int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, model.ErrNotFound)
	}
	u.PushToken = token
	s.users[userID] = u
	return nil
}

func cloneVehicle(v *model.Vehicle) *model.Vehicle {
	cp := *v
	if v.Position != nil {
		p := *v.Position
		cp.Position = &p
	}
	cp.Speed = cloneFloat(v.Speed)
	cp.Heading = cloneFloat(v.Heading)
	if v.LastUpdated != nil {
		t := *v.LastUpdated
		cp.LastUpdated = &t
	}
	cp.RouteID = cloneInt(v.RouteID)
	cp.NextStopID = cloneInt(v.NextStopID)
	return &cp
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneInt(i *int64) *int64 {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
