// Package ingest applies validated telemetry to the tracker: vehicle state,
// speed history, ETA recomputation and notification dispatch, in that order.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/model"
	"fleet-tracker/internal/notify"
	"fleet-tracker/internal/telemetry"
)

// Drop reasons, used as the metrics label.
const (
	ReasonMalformed      = "malformed"
	ReasonUnknownVehicle = "unknown_vehicle"
	ReasonStale          = "stale"
	ReasonFuture         = "future"
	ReasonStoreError     = "store_error"
)

type Store interface {
	ApplyTelemetry(ctx context.Context, sample model.TelemetrySample, rejectStale bool) (*model.Vehicle, error)
}

type History interface {
	Append(ctx context.Context, sample model.TelemetrySample) error
}

type Recomputer interface {
	Recompute(ctx context.Context, vehicleNumber string) (bool, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, vehicleNumber string) (notify.Result, error)
}

type Metrics interface {
	Received()
	Dropped(reason string)
	IngestObserve(d time.Duration)
	SpeedHistoryErrorInc()
}

type Options struct {
	Pattern     telemetry.Pattern
	RejectStale bool
	// MaxFutureSkew is how far ahead of Clock a sample may be stamped.
	// Zero accepts any time.
	MaxFutureSkew time.Duration
	Clock         clock.Clock
}

// Pipeline holds every collaborator a message needs. It has no state of its
// own and is safe for concurrent use.
type Pipeline struct {
	store      Store
	history    History
	eta        Recomputer
	dispatcher Dispatcher
	opts       Options
	log        zerolog.Logger
	metrics    Metrics
}

func New(store Store, history History, eta Recomputer, dispatcher Dispatcher, opts Options, log zerolog.Logger, m Metrics) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Pipeline{
		store:      store,
		history:    history,
		eta:        eta,
		dispatcher: dispatcher,
		opts:       opts,
		log:        log,
		metrics:    m,
	}
}

// HandleMessage processes one raw feed message. The returned error is only
// informational: every failure has already been logged and counted, and
// nothing is ever retried.
func (p *Pipeline) HandleMessage(ctx context.Context, subject string, data []byte) error {
	if p.metrics != nil {
		p.metrics.Received()
	}
	vehicle, ok := p.opts.Pattern.VehicleID(subject)
	if !ok {
		p.drop(ReasonMalformed)
		p.log.Warn().Str("subject", subject).Msg("subject does not address a vehicle, dropping")
		return telemetry.ErrMalformed
	}
	sample, err := telemetry.Decode(vehicle, data)
	if err != nil {
		p.drop(ReasonMalformed)
		p.log.Warn().Err(err).Str("vehicle", vehicle).Msg("dropping telemetry")
		return err
	}
	if err := telemetry.CheckSkew(sample, p.opts.Clock.Now(), p.opts.MaxFutureSkew); err != nil {
		p.drop(ReasonFuture)
		p.log.Warn().Err(err).Str("vehicle", vehicle).Time("sample", sample.Timestamp).Msg("dropping telemetry")
		return err
	}
	return p.Ingest(ctx, sample)
}

// Ingest applies one typed sample. State, predictions and notifications are
// separate steps; a failure in a later step never undoes an earlier one.
func (p *Pipeline) Ingest(ctx context.Context, sample model.TelemetrySample) error {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.IngestObserve(time.Since(start))
		}
	}()
	log := p.log.With().Str("vehicle", sample.VehicleNumber).Logger()

	v, err := p.store.ApplyTelemetry(ctx, sample, p.opts.RejectStale)
	switch {
	case errors.Is(err, model.ErrNotFound):
		p.drop(ReasonUnknownVehicle)
		log.Warn().Msg("telemetry for unknown vehicle, dropping")
		return err
	case errors.Is(err, model.ErrStale):
		p.drop(ReasonStale)
		log.Debug().Time("sample", sample.Timestamp).Msg("stale telemetry, dropping")
		return err
	case err != nil:
		p.drop(ReasonStoreError)
		log.Error().Err(err).Msg("update vehicle state")
		return err
	}

	if p.history != nil {
		if err := p.history.Append(ctx, sample); err != nil {
			if p.metrics != nil {
				p.metrics.SpeedHistoryErrorInc()
			}
			log.Warn().Err(err).Msg("append speed history")
		}
	}

	recomputed, err := p.eta.Recompute(ctx, v.Number)
	if err != nil {
		log.Error().Err(err).Msg("eta recompute failed, predictions unchanged")
		return nil
	}
	if !recomputed || p.dispatcher == nil {
		return nil
	}

	res, err := p.dispatcher.Dispatch(ctx, v.Number)
	if err != nil {
		log.Error().Err(err).Msg("dispatch notifications")
		return nil
	}
	if res.Sent+res.Failed > 0 {
		log.Debug().Int("sent", res.Sent).Int("failed", res.Failed).Int("skipped", res.Skipped).Msg("notifications dispatched")
	}
	return nil
}

func (p *Pipeline) drop(reason string) {
	if p.metrics != nil {
		p.metrics.Dropped(reason)
	}
}
