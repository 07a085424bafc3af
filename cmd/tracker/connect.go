package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fleet-tracker/internal/db"
	"fleet-tracker/internal/publisher"
	"fleet-tracker/internal/subscriber"
	"fleet-tracker/internal/telemetry"
)

const connectTimeout = 30 * time.Second

// retry runs op with exponential backoff until it succeeds, ctx is done or
// connectTimeout has elapsed.
func retry(ctx context.Context, log zerolog.Logger, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = connectTimeout
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msgf("%s not reachable", what)
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", what, err)
	}
	return nil
}

func connectPostgres(ctx context.Context, log zerolog.Logger, dsn string) (*sql.DB, error) {
	sqlDB, err := db.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := retry(ctx, log, "postgres", func() error { return db.Ping(ctx, sqlDB) }); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return sqlDB, nil
}

func connectRedis(ctx context.Context, log zerolog.Logger, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	err = retry(ctx, log, "redis", func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return rdb.Ping(pctx).Err()
	})
	if err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func connectSubscriber(ctx context.Context, log zerolog.Logger, url string, m subscriber.Metrics) (*subscriber.NATSSubscriber, error) {
	var sub *subscriber.NATSSubscriber
	err := retry(ctx, log, "nats", func() error {
		var err error
		sub, err = subscriber.Connect(url, "fleet-tracker", log, m)
		return err
	})
	return sub, err
}

func connectPublisher(ctx context.Context, log zerolog.Logger, url string, pattern telemetry.Pattern, logSubjects bool, m publisher.PublisherMetrics) (*publisher.NATSPublisher, error) {
	var pub *publisher.NATSPublisher
	err := retry(ctx, log, "nats", func() error {
		var err error
		pub, err = publisher.NewNATSPublisher(url, pattern, logSubjects, log, m)
		return err
	})
	return pub, err
}
