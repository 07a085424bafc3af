package subscriber

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type NATSSubscriber struct {
	nc      *nats.Conn
	log     zerolog.Logger
	metrics Metrics
}

type Metrics interface {
	NATSSetConnected(connected bool)
	SlowConsumerInc()
	InFlightAdd(n int)
}

// Connect opens a NATS connection that reconnects forever and reports its
// state through m, which may be nil.
func Connect(url, name string, log zerolog.Logger, m Metrics) (*NATSSubscriber, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if errors.Is(err, nats.ErrSlowConsumer) {
				if m != nil {
					m.SlowConsumerInc()
				}
				dropped := 0
				if sub != nil {
					dropped, _ = sub.Dropped()
				}
				log.Warn().Int("dropped", dropped).Msg("slow consumer, telemetry dropped by client")
				return
			}
			log.Error().Err(err).Msg("nats async error")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSSubscriber{nc: nc, log: log, metrics: m}, nil
}

// Subscribe delivers messages on subject into a channel buffered to buffer
// messages. When queue is set, the subscription joins that queue group so
// several trackers share the feed. The NATS reader never blocks on the
// channel: overflow is dropped and reported as a slow consumer.
func (s *NATSSubscriber) Subscribe(subject, queue string, buffer int) (*nats.Subscription, <-chan *nats.Msg, error) {
	if buffer <= 0 {
		buffer = 1024
	}
	ch := make(chan *nats.Msg, buffer)
	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = s.nc.ChanQueueSubscribe(subject, queue, ch)
	} else {
		sub, err = s.nc.ChanSubscribe(subject, ch)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := s.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, fmt.Errorf("flush subscription %s: %w", subject, err)
	}
	s.log.Info().Str("subject", subject).Str("queue", queue).Int("buffer", buffer).Msg("subscribed")
	return sub, ch, nil
}

func (s *NATSSubscriber) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc.Close()
	}
}
