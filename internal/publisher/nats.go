package publisher

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"fleet-tracker/internal/model"
	"fleet-tracker/internal/telemetry"
)

type NATSPublisher struct {
	nc          *nats.Conn
	pattern     telemetry.Pattern
	logSubjects bool
	log         zerolog.Logger
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// NewNATSPublisher connects to url and keeps reconnecting forever; samples
// published while disconnected are buffered by the client up to 8 MiB.
func NewNATSPublisher(url string, pattern telemetry.Pattern, logSubjects bool, log zerolog.Logger, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("fleet-tracker-simulator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ReconnectBufSize(8<<20),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, pattern: pattern, logSubjects: logSubjects, log: log, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// PublishTelemetry sends sample on its vehicle's subject in the wire format
// the tracker consumes.
func (p *NATSPublisher) PublishTelemetry(sample model.TelemetrySample) error {
	subject := p.pattern.Subject(sample.VehicleNumber)
	b, err := telemetry.Encode(sample)
	if err != nil {
		return err
	}
	if p.logSubjects {
		p.log.Debug().Str("subject", subject).Msg("nats publish")
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}
