package subscriber

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func msg(i int) *nats.Msg {
	return &nats.Msg{Subject: fmt.Sprintf("vehicles.bus-%d.telemetry", i), Data: []byte("{}")}
}

type gauge struct{ inFlight, peak atomic.Int64 }

func (g *gauge) NATSSetConnected(bool) {}
func (g *gauge) SlowConsumerInc()      {}
func (g *gauge) InFlightAdd(n int) {
	v := g.inFlight.Add(int64(n))
	for {
		p := g.peak.Load()
		if v <= p || g.peak.CompareAndSwap(p, v) {
			return
		}
	}
}

func TestRunHandlesEveryMessage(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	seen := map[string]bool{}
	c := &Consumer{
		Workers: 4,
		Log:     zerolog.Nop(),
		Handler: func(_ context.Context, subject string, _ []byte) error {
			mu.Lock()
			defer mu.Unlock()
			seen[subject] = true
			return nil
		},
	}
	ch := make(chan *nats.Msg, 50)
	for i := 0; i < 50; i++ {
		ch <- msg(i)
	}
	close(ch)

	require.NoError(t, c.Run(context.Background(), ch, nil))
	assert.Len(t, seen, 50)
}

func TestRunBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := &gauge{}
	c := &Consumer{
		Workers: 3,
		Log:     zerolog.Nop(),
		Metrics: g,
		Handler: func(context.Context, string, []byte) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		},
	}
	ch := make(chan *nats.Msg, 20)
	for i := 0; i < 20; i++ {
		ch <- msg(i)
	}
	close(ch)

	require.NoError(t, c.Run(context.Background(), ch, nil))
	assert.LessOrEqual(t, g.peak.Load(), int64(3))
	assert.Zero(t, g.inFlight.Load())
}

func TestCancelDrainsBufferedAndFinishesInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	var handled, unsubscribed atomic.Int32
	var ctxErrs atomic.Int32
	c := &Consumer{
		Workers: 2,
		Log:     zerolog.Nop(),
		Handler: func(ctx context.Context, _ string, _ []byte) error {
			time.Sleep(2 * time.Millisecond)
			if ctx.Err() != nil {
				ctxErrs.Add(1)
			}
			handled.Add(1)
			return nil
		},
	}
	ch := make(chan *nats.Msg, 10)
	for i := 0; i < 10; i++ {
		ch <- msg(i)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Run(ctx, ch, func() error {
		unsubscribed.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(10), handled.Load())
	assert.Equal(t, int32(1), unsubscribed.Load())
	assert.Zero(t, ctxErrs.Load(), "tasks must not observe the shutdown")
}

func TestHandlerPanicIsContained(t *testing.T) {
	defer goleak.VerifyNone(t)

	var handled atomic.Int32
	c := &Consumer{
		Workers: 2,
		Log:     zerolog.Nop(),
		Handler: func(_ context.Context, subject string, _ []byte) error {
			if subject == msg(1).Subject {
				panic("boom")
			}
			handled.Add(1)
			return nil
		},
	}
	ch := make(chan *nats.Msg, 3)
	ch <- msg(0)
	ch <- msg(1)
	ch <- msg(2)
	close(ch)

	require.NotPanics(t, func() { _ = c.Run(context.Background(), ch, nil) })
	assert.Equal(t, int32(2), handled.Load())
}
