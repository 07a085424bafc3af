// Package subscriber consumes the telemetry feed from NATS and runs every
// message as its own task on a bounded worker pool.
package subscriber

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

// Handler processes one message. Its error is informational only.
type Handler func(ctx context.Context, subject string, data []byte) error

type Consumer struct {
	Workers int
	Handler Handler
	Log     zerolog.Logger
	Metrics Metrics
}

// Run reads msgs until ctx is cancelled or msgs is closed. On cancellation it
// calls unsubscribe (if not nil) so no new messages arrive, hands every message
// already buffered to the pool and waits for all tasks to finish. Tasks run
// with a context detached from ctx's cancellation so a started message is
// always completed.
func (c *Consumer) Run(ctx context.Context, msgs <-chan *nats.Msg, unsubscribe func() error) error {
	workers := c.Workers
	if workers <= 0 {
		workers = 1
	}
	p := pool.New().WithMaxGoroutines(workers)
	taskCtx := context.WithoutCancel(ctx)

	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				p.Wait()
				return nil
			}
			c.submit(taskCtx, p, m)
		case <-ctx.Done():
			if unsubscribe != nil {
				if err := unsubscribe(); err != nil {
					c.Log.Warn().Err(err).Msg("unsubscribe")
				}
			}
			drained := c.drain(taskCtx, p, msgs)
			p.Wait()
			c.Log.Info().Int("drained", drained).Msg("consumer stopped")
			return nil
		}
	}
}

func (c *Consumer) drain(ctx context.Context, p *pool.Pool, msgs <-chan *nats.Msg) int {
	n := 0
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return n
			}
			c.submit(ctx, p, m)
			n++
		default:
			return n
		}
	}
}

func (c *Consumer) submit(ctx context.Context, p *pool.Pool, m *nats.Msg) {
	p.Go(func() {
		if c.Metrics != nil {
			c.Metrics.InFlightAdd(1)
			defer c.Metrics.InFlightAdd(-1)
		}
		var pc panics.Catcher
		pc.Try(func() { _ = c.Handler(ctx, m.Subject, m.Data) })
		if r := pc.Recovered(); r != nil {
			c.Log.Error().Str("subject", m.Subject).Str("panic", r.String()).Msg("message handler panicked")
		}
	})
}
