package speedhistory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/model"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, time.Hour, time.Second, clock.NewMockClock(t0)), mr
}

func sample(vehicle string, at time.Time, speed float64) model.TelemetrySample {
	return model.TelemetrySample{VehicleNumber: vehicle, Timestamp: at, Latitude: 1, Longitude: 2, Speed: speed}
}

func TestMeanSpeedWindow(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()

	require.NoError(t, s.Append(ctx, sample("bus-7", now.Add(-20*time.Minute), 100)))
	require.NoError(t, s.Append(ctx, sample("bus-7", now.Add(-10*time.Minute), 20)))
	require.NoError(t, s.Append(ctx, sample("bus-7", now.Add(-time.Minute), 40)))
	require.NoError(t, s.Append(ctx, sample("bus-8", now, 90)))

	mean, ok, err := s.MeanSpeed(ctx, "bus-7", now.Add(-15*time.Minute), now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 30.0, mean, 1e-9)
}

func TestMeanSpeedEmpty(t *testing.T) {
	s, _ := newStore(t)
	mean, ok, err := s.MeanSpeed(context.Background(), "ghost", time.Unix(0, 0), t0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, mean)
}

func TestDuplicateSamplesCollapse(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()

	require.NoError(t, s.Append(ctx, sample("bus-7", now, 30)))
	require.NoError(t, s.Append(ctx, sample("bus-7", now, 30)))

	members, err := mr.ZMembers(Key("bus-7"))
	require.NoError(t, err)
	assert.Len(t, members, 1)
	assert.Equal(t, time.Hour, mr.TTL(Key("bus-7")))
}

func TestAppendTrimsBeyondRetention(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()

	require.NoError(t, s.Append(ctx, sample("bus-7", now.Add(-2*time.Hour), 10)))
	require.NoError(t, s.Append(ctx, sample("bus-7", now, 30)))

	history, err := s.History(ctx, "bus-7", time.Unix(0, 0), now)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 30.0, history[0].Speed)
	assert.True(t, now.Equal(history[0].Timestamp))
}

func TestMeanSpeedIgnoresFutureSamples(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	now := t0

	require.NoError(t, s.Append(ctx, sample("bus-7", now.Add(30*24*time.Hour), 200)))
	require.NoError(t, s.Append(ctx, sample("bus-7", now.Add(-2*time.Minute), 10)))
	require.NoError(t, s.Append(ctx, sample("bus-7", now.Add(-time.Minute), 10)))

	mean, ok, err := s.MeanSpeed(ctx, "bus-7", now.Add(-15*time.Minute), now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 10.0, mean, 1e-9)
}

func TestFutureSampleDoesNotTrimHistory(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	now := t0

	require.NoError(t, s.Append(ctx, sample("bus-7", now.Add(-30*time.Minute), 10)))
	require.NoError(t, s.Append(ctx, sample("bus-7", now.Add(30*24*time.Hour), 200)))

	history, err := s.History(ctx, "bus-7", now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 10.0, history[0].Speed)
}

func TestHistoryOrderAndHeading(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 500_000_000).UTC()
	h := 45.0

	late := sample("bus-7", now, 30)
	late.Heading = &h
	require.NoError(t, s.Append(ctx, late))
	require.NoError(t, s.Append(ctx, sample("bus-7", now.Add(-time.Minute), 10)))

	history, err := s.History(ctx, "bus-7", now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 10.0, history[0].Speed)
	require.NotNil(t, history[1].Heading)
	assert.Equal(t, 45.0, *history[1].Heading)
}

func TestRedisUnavailable(t *testing.T) {
	s, mr := newStore(t)
	mr.Close()
	_, _, err := s.MeanSpeed(context.Background(), "bus-7", t0.Add(-time.Minute), t0)
	assert.Error(t, err)
	assert.Error(t, s.Append(context.Background(), sample("bus-7", time.Now(), 1)))
}
