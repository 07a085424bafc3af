package eta

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/memstore"
	"fleet-tracker/internal/model"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeSpeeds struct {
	mean float64
	ok   bool
	err  error
}

func (f fakeSpeeds) MeanSpeed(context.Context, string, time.Time, time.Time) (float64, bool, error) {
	return f.mean, f.ok, f.err
}

func ptr[T any](v T) *T { return &v }

func TestTravelMinutes(t *testing.T) {
	assert.InDelta(t, 36.0, TravelMinutes(15, 30), 1e-9)
	assert.InDelta(t, 24.0, TravelMinutes(10, 30), 1e-9)
	assert.Zero(t, TravelMinutes(0, 30))
}

func TestTravelMinutesMonotonic(t *testing.T) {
	cfg := DefaultConfig()
	prev := 0.0
	for d := 0.0; d <= 50; d += 0.5 {
		m := TravelMinutes(d, AverageSpeed(0, false, ptr(30.0), cfg))
		assert.GreaterOrEqual(t, m, prev)
		prev = m
	}

	prev = TravelMinutes(10, AverageSpeed(0.1, true, nil, cfg))
	for s := 0.0; s <= 120; s += 1 {
		m := TravelMinutes(10, AverageSpeed(s, true, nil, cfg))
		assert.LessOrEqual(t, m, prev, "speed %v", s)
		prev = m
	}
}

func TestAverageSpeed(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name    string
		mean    float64
		ok      bool
		current *float64
		want    float64
	}{
		{"history wins", 42, true, ptr(10.0), 42},
		{"history below floor", 0, true, ptr(10.0), 5},
		{"current when no history", 0, false, ptr(30.0), 30},
		{"default when current zero", 0, false, ptr(0.0), 20},
		{"default when current absent", 0, false, nil, 20},
		{"current clamped", 0, false, ptr(2.0), 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AverageSpeed(tt.mean, tt.ok, tt.current, cfg))
		})
	}
}

func TestReconcileThreshold(t *testing.T) {
	key := model.PredictionKey{VehicleID: 1, StopID: 2, RouteID: 3}
	prev := &model.ETAPrediction{PredictionKey: key, PredictedArrival: t0, Delayed: true, DelayMinutes: 9}

	p := Reconcile(prev, key, t0.Add(4*time.Minute+54*time.Second), t0, 5)
	assert.False(t, p.Delayed, "4.9 minutes later")
	assert.Zero(t, p.DelayMinutes)

	p = Reconcile(prev, key, t0.Add(5*time.Minute+6*time.Second), t0, 5)
	assert.True(t, p.Delayed, "5.1 minutes later")
	assert.Equal(t, 5, p.DelayMinutes)

	p = Reconcile(prev, key, t0.Add(5*time.Minute), t0, 5)
	assert.False(t, p.Delayed, "exactly the threshold")

	p = Reconcile(prev, key, t0.Add(-12*time.Minute), t0, 5)
	assert.False(t, p.Delayed, "earlier arrival")

	p = Reconcile(nil, key, t0.Add(time.Hour), t0, 5)
	assert.False(t, p.Delayed)
	assert.Equal(t, t0, p.PredictedAt)
}

func TestStartIndex(t *testing.T) {
	stops := []model.RouteStop{
		{ScheduledStop: model.ScheduledStop{StopID: 10}},
		{ScheduledStop: model.ScheduledStop{StopID: 11}},
		{ScheduledStop: model.ScheduledStop{StopID: 12}},
	}
	assert.Equal(t, 0, StartIndex(stops, nil))
	assert.Equal(t, 1, StartIndex(stops, ptr(int64(11))))
	assert.Equal(t, 0, StartIndex(stops, ptr(int64(99))))
}

type env struct {
	store  *memstore.Store
	clock  *clock.MockClock
	route  int64
	stopA  int64
	stopB  int64
	engine *Engine
}

func newEnv(t *testing.T, speeds SpeedSource) *env {
	t.Helper()
	s := memstore.New()
	e := &env{store: s, clock: clock.NewMockClock(t0)}
	e.route = s.AddRoute(model.Route{Number: "7", Name: "Harbour", Active: true})
	e.stopA = s.AddStop(model.Stop{Code: "A", Name: "Alpha", Position: geo.Point{Lat: 0, Lon: 0.1349}})
	e.stopB = s.AddStop(model.Stop{Code: "B", Name: "Bravo", Position: geo.Point{Lat: 0, Lon: 0.2698}})
	require.NoError(t, s.AddScheduledStop(model.ScheduledStop{RouteID: e.route, StopID: e.stopA, Sequence: 1}))
	require.NoError(t, s.AddScheduledStop(model.ScheduledStop{RouteID: e.route, StopID: e.stopB, Sequence: 2}))
	s.AddVehicle(model.Vehicle{Number: "bus-7", Active: true, RouteID: &e.route})
	e.engine = NewEngine(DefaultConfig(), s, speeds, e.clock, zerolog.Nop(), nil)
	return e
}

func (e *env) move(t *testing.T, lon, speed float64) {
	t.Helper()
	_, err := e.store.ApplyTelemetry(context.Background(), model.TelemetrySample{
		VehicleNumber: "bus-7", Timestamp: e.clock.Now(), Latitude: 0, Longitude: lon, Speed: speed,
	}, false)
	require.NoError(t, err)
}

func TestRecomputeScenario(t *testing.T) {
	e := newEnv(t, fakeSpeeds{})
	ctx := context.Background()

	e.move(t, 0, 30)
	ok, err := e.engine.Recompute(ctx, "bus-7")
	require.NoError(t, err)
	require.True(t, ok)

	preds := e.store.Predictions()
	require.Len(t, preds, 2)
	first := preds[0]
	assert.Equal(t, e.stopA, first.StopID)
	assert.InDelta(t, 36, first.PredictedArrival.Sub(t0).Minutes(), 0.1)
	assert.False(t, first.Delayed)

	// one minute later, 10 km from the stop: earlier arrival stays on time
	e.clock.Advance(time.Minute)
	e.move(t, 0.1349-0.0899, 30)
	_, err = e.engine.Recompute(ctx, "bus-7")
	require.NoError(t, err)
	p, err := e.store.Prediction(ctx, first.PredictionKey)
	require.NoError(t, err)
	assert.InDelta(t, 25, p.PredictedArrival.Sub(t0).Minutes(), 0.2)
	assert.False(t, p.Delayed)

	// the vehicle falls back 15 km from the stop
	e.clock.Advance(time.Minute)
	e.move(t, 0, 30)
	_, err = e.engine.Recompute(ctx, "bus-7")
	require.NoError(t, err)
	p, err = e.store.Prediction(ctx, first.PredictionKey)
	require.NoError(t, err)
	assert.True(t, p.Delayed)
	assert.Equal(t, 13, p.DelayMinutes)
	assert.Equal(t, e.clock.Now(), p.PredictedAt)

	assert.Len(t, e.store.Predictions(), 2, "one prediction per key")
}

func TestRecomputeUsesHistoryMean(t *testing.T) {
	e := newEnv(t, fakeSpeeds{mean: 60, ok: true})
	e.move(t, 0, 30)
	_, err := e.engine.Recompute(context.Background(), "bus-7")
	require.NoError(t, err)
	assert.InDelta(t, 18, e.store.Predictions()[0].PredictedArrival.Sub(t0).Minutes(), 0.1)
}

func TestRecomputeFallsBackWhenHistoryFails(t *testing.T) {
	e := newEnv(t, fakeSpeeds{err: errors.New("redis down")})
	e.move(t, 0, 30)
	ok, err := e.engine.Recompute(context.Background(), "bus-7")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 36, e.store.Predictions()[0].PredictedArrival.Sub(t0).Minutes(), 0.1)
}

func TestRecomputeNoOps(t *testing.T) {
	ctx := context.Background()

	e := newEnv(t, nil)
	ok, err := e.engine.Recompute(ctx, "bus-7")
	require.NoError(t, err)
	assert.False(t, ok, "no position yet")
	assert.Empty(t, e.store.Predictions())

	e.store.AddVehicle(model.Vehicle{Number: "bus-9", Active: true, Position: &geo.Point{}})
	ok, err = e.engine.Recompute(ctx, "bus-9")
	require.NoError(t, err)
	assert.False(t, ok, "no route")

	empty := e.store.AddRoute(model.Route{Number: "0"})
	e.store.AddVehicle(model.Vehicle{Number: "bus-10", Active: true, Position: &geo.Point{}, RouteID: &empty})
	ok, err = e.engine.Recompute(ctx, "bus-10")
	require.NoError(t, err)
	assert.False(t, ok, "empty route")

	_, err = e.engine.Recompute(ctx, "ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRecomputeSkipsMissingStopAndEarlierStops(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, e.store.AddScheduledStop(model.ScheduledStop{RouteID: e.route, StopID: 9999, Sequence: 3}))
	stopC := e.store.AddStop(model.Stop{Code: "C", Name: "Charlie", Position: geo.Point{Lat: 0, Lon: 0.3}})
	require.NoError(t, e.store.AddScheduledStop(model.ScheduledStop{RouteID: e.route, StopID: stopC, Sequence: 4}))

	e.store.AddVehicle(model.Vehicle{
		Number: "bus-8", Active: true, RouteID: &e.route, NextStopID: &e.stopB,
		Position: &geo.Point{Lat: 0, Lon: 0.1}, Speed: ptr(30.0),
	})
	ok, err := e.engine.Recompute(ctx, "bus-8")
	require.NoError(t, err)
	require.True(t, ok)

	var stops []int64
	for _, p := range e.store.Predictions() {
		stops = append(stops, p.StopID)
	}
	assert.ElementsMatch(t, []int64{e.stopB, stopC}, stops)
}
