// Package sim drives synthetic vehicles along their routes and publishes
// their telemetry on the feed, one goroutine per vehicle.
package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/model"
)

type Store interface {
	ActiveVehicles(ctx context.Context) ([]model.Vehicle, error)
	RouteStops(ctx context.Context, routeID int64) ([]model.RouteStop, error)
}

type Publisher interface {
	PublishTelemetry(sample model.TelemetrySample) error
}

type Metrics interface {
	SimulatedVehiclesAdd(n int)
}

type Manager struct {
	store           Store
	pub             Publisher
	publishInterval time.Duration
	speedKmh        float64
	refreshInterval time.Duration
	clock           clock.Clock
	log             zerolog.Logger
	metrics         Metrics

	mu      sync.Mutex
	running map[string]context.CancelFunc // vehicle number -> cancel
	wg      sync.WaitGroup

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

func NewManager(store Store, pub Publisher, publishInterval time.Duration, speedKmh float64, refreshInterval time.Duration, clk clock.Clock, log zerolog.Logger, m Metrics) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{
		store:           store,
		pub:             pub,
		publishInterval: publishInterval,
		speedKmh:        speedKmh,
		refreshInterval: refreshInterval,
		clock:           clk,
		log:             log,
		metrics:         m,
		running:         make(map[string]context.CancelFunc),
	}
}

// Running returns how many vehicles are currently simulated.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *Manager) startVehicle(parent context.Context, v model.Vehicle) {
	m.mu.Lock()
	if _, exists := m.running[v.Number]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.running[v.Number] = cancel
	m.wg.Add(1)
	if m.metrics != nil {
		m.metrics.SimulatedVehiclesAdd(1)
	}
	m.mu.Unlock()

	log := m.log.With().Str("vehicle", v.Number).Int64("route", *v.RouteID).Logger()
	log.Info().Msg("starting vehicle")
	go func() {
		defer m.wg.Done()
		if err := m.runVehicle(ctx, v); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("vehicle stopped")
		}
		m.mu.Lock()
		delete(m.running, v.Number)
		if m.metrics != nil {
			m.metrics.SimulatedVehiclesAdd(-1)
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) runVehicle(ctx context.Context, v model.Vehicle) error {
	stops, err := m.store.RouteStops(ctx, *v.RouteID)
	if err != nil {
		return err
	}
	path := NewPath(stops)
	if !path.Drivable() {
		m.log.Warn().Str("vehicle", v.Number).Msg("route has fewer than two distinct stops, not simulating")
		return nil
	}

	travelled := path.OffsetOf(startStop(stops, v.NextStopID))
	step := m.speedKmh * m.publishInterval.Hours()

	tick := time.NewTicker(m.publishInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			travelled += step
			if err := m.pub.PublishTelemetry(Sample(v.Number, path, travelled, m.speedKmh, m.clock.Now())); err != nil {
				m.log.Warn().Err(err).Str("vehicle", v.Number).Msg("publish telemetry")
			}
		}
	}
}

// Sample is the telemetry of a vehicle travelled km along path.
func Sample(vehicle string, path Path, travelled, speedKmh float64, at time.Time) model.TelemetrySample {
	pos, bearing := path.At(travelled)
	return model.TelemetrySample{
		VehicleNumber: vehicle,
		Timestamp:     at,
		Latitude:      pos.Lat,
		Longitude:     pos.Lon,
		Speed:         speedKmh,
		Heading:       &bearing,
	}
}

// startStop is the index among the drivable stops of the vehicle's next stop.
func startStop(stops []model.RouteStop, next *int64) int {
	if next == nil {
		return 0
	}
	i := 0
	for _, rs := range stops {
		if rs.Stop == nil {
			continue
		}
		if rs.StopID == *next {
			return i
		}
		i++
	}
	return 0
}

func (m *Manager) Stop() {
	if m.refreshCancel != nil {
		m.refreshCancel()
	}
	m.refreshWG.Wait()
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// StartRefresher starts simulating every active vehicle with a route now and
// then picks up newly activated vehicles every refresh interval.
func (m *Manager) StartRefresher(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.refreshCancel = cancel
	if err := m.RefreshActive(ctx); err != nil {
		m.log.Error().Err(err).Msg("load active vehicles")
	}
	if m.refreshInterval <= 0 {
		return
	}
	m.refreshWG.Add(1)
	go func() {
		defer m.refreshWG.Done()
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.RefreshActive(ctx); err != nil {
					m.log.Error().Err(err).Msg("refresh active vehicles")
				}
			}
		}
	}()
}

// RefreshActive starts a goroutine for every active vehicle on a route that
// is not simulated yet.
func (m *Manager) RefreshActive(ctx context.Context) error {
	vehicles, err := m.store.ActiveVehicles(ctx)
	if err != nil {
		return err
	}
	for _, v := range vehicles {
		if !v.HasRoute() {
			continue
		}
		m.startVehicle(ctx, v)
	}
	return nil
}
