// Package speedhistory keeps the trailing telemetry of every vehicle in Redis
// sorted sets, one per vehicle, scored by sample time.
package speedhistory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/model"
)

const keyPrefix = "telemetry:"

// Store appends samples and answers trailing-window queries. Samples older
// than the retention are trimmed on append and whole keys expire after the
// retention of inactivity.
type Store struct {
	rdb       redis.UniversalClient
	retention time.Duration
	timeout   time.Duration
	clock     clock.Clock
}

func New(rdb redis.UniversalClient, retention, timeout time.Duration, clk clock.Clock) *Store {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{rdb: rdb, retention: retention, timeout: timeout, clock: clk}
}

func Key(vehicle string) string { return keyPrefix + vehicle }

func score(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func scoreArg(t time.Time) string {
	return strconv.FormatFloat(score(t), 'f', -1, 64)
}

// Append records one sample. The JSON sample is the set member, so an
// identical sample delivered twice is stored once. Retention is measured from
// the sample time, or from now when the sample is stamped in the future.
func (s *Store) Append(ctx context.Context, sample model.TelemetrySample) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sample.Timestamp = sample.Timestamp.UTC()
	member, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	key := Key(sample.VehicleNumber)
	ref := sample.Timestamp
	if now := s.clock.Now(); ref.After(now) {
		ref = now
	}
	cutoff := ref.Add(-s.retention)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: score(sample.Timestamp), Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+scoreArg(cutoff))
		pipe.Expire(ctx, key, s.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append sample for %s: %w", sample.VehicleNumber, err)
	}
	return nil
}

// History returns the samples of vehicle taken in [since, until], oldest
// first. Samples stamped after until are ignored.
func (s *Store) History(ctx context.Context, vehicle string, since, until time.Time) ([]model.TelemetrySample, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	members, err := s.rdb.ZRangeByScore(ctx, Key(vehicle), &redis.ZRangeBy{
		Min: scoreArg(since),
		Max: scoreArg(until),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", vehicle, err)
	}
	out := make([]model.TelemetrySample, 0, len(members))
	for _, m := range members {
		var sample model.TelemetrySample
		if err := json.Unmarshal([]byte(m), &sample); err != nil {
			return nil, fmt.Errorf("decode sample for %s: %w", vehicle, err)
		}
		out = append(out, sample)
	}
	return out, nil
}

// MeanSpeed is the mean speed (km/h) of the samples taken in [since, until].
// ok is false when there are none.
func (s *Store) MeanSpeed(ctx context.Context, vehicle string, since, until time.Time) (mean float64, ok bool, err error) {
	samples, err := s.History(ctx, vehicle, since, until)
	if err != nil || len(samples) == 0 {
		return 0, false, err
	}
	var sum float64
	for _, sample := range samples {
		sum += sample.Speed
	}
	return sum / float64(len(samples)), true, nil
}
