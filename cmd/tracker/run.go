package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"fleet-tracker/internal/api"
	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/config"
	"fleet-tracker/internal/db"
	"fleet-tracker/internal/eta"
	"fleet-tracker/internal/ingest"
	"fleet-tracker/internal/metrics"
	"fleet-tracker/internal/notify"
	"fleet-tracker/internal/speedhistory"
	"fleet-tracker/internal/subscriber"
	"fleet-tracker/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "consume telemetry, predict arrivals, notify subscribers and serve the read API",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "create missing tables before starting",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log, c.Bool("migrate"))
		},
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, migrate bool) error {
	pattern, err := telemetry.ParsePattern(cfg.NATSSubject)
	if err != nil {
		return fmt.Errorf("NATS_SUBJECT: %w", err)
	}

	sqlDB, err := connectPostgres(ctx, log, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	store := db.NewStore(sqlDB, cfg.StoreTimeout)
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	rdb, err := connectRedis(ctx, log, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()
	clk := clock.RealClock{}
	history := speedhistory.New(rdb, cfg.SpeedHistoryTTL, cfg.StoreTimeout, clk)

	mcol := metrics.NewCollector(cfg.IngestWorkers, cfg.DelayThresholdMinutes)
	if cfg.MetricsAddr != "" {
		msrv := mcol.Serve(cfg.MetricsAddr, log)
		defer shutdown(msrv)
	}

	sender, err := newSender(ctx, cfg, log)
	if err != nil {
		return err
	}

	engine := eta.NewEngine(eta.Config{
		DelayThresholdMinutes: cfg.DelayThresholdMinutes,
		SpeedWindow:           cfg.SpeedWindow,
		DefaultSpeedKmh:       cfg.DefaultSpeedKmh,
		MinSpeedKmh:           cfg.MinSpeedKmh,
	}, store, history, clk, log.With().Str("component", "eta").Logger(), mcol)
	dispatcher := notify.NewDispatcher(store, sender, cfg.PushTimeout, cfg.Location, log.With().Str("component", "notify").Logger(), mcol)
	pipeline := ingest.New(store, history, engine, dispatcher, ingest.Options{
		Pattern:       pattern,
		RejectStale:   cfg.RejectStaleTelemetry,
		MaxFutureSkew: cfg.MaxFutureSkew,
		Clock:         clk,
	}, log.With().Str("component", "ingest").Logger(), mcol)

	sub, err := connectSubscriber(ctx, log, cfg.NATSURL, mcol)
	if err != nil {
		return err
	}
	defer sub.Close()
	nsub, msgs, err := sub.Subscribe(pattern.String(), cfg.NATSQueueGroup, cfg.IngestBuffer)
	if err != nil {
		return err
	}
	log.Info().
		Str("subject", pattern.String()).
		Str("queue", cfg.NATSQueueGroup).
		Int("workers", cfg.IngestWorkers).
		Msg("consuming telemetry")

	consumer := &subscriber.Consumer{
		Workers: cfg.IngestWorkers,
		Handler: pipeline.HandleMessage,
		Log:     log,
		Metrics: mcol,
	}
	srv := api.NewServer(cfg.APIAddr, api.New(store, history, clk, log.With().Str("component", "api").Logger()).Router())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx, msgs, nsub.Unsubscribe)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.APIAddr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown(srv)
		return nil
	})

	err = g.Wait()
	log.Info().Msg("shutdown complete")
	return err
}

// newSender picks the push gateway: FCM when credentials are configured,
// otherwise a sender that only logs.
func newSender(ctx context.Context, cfg *config.Config, log zerolog.Logger) (notify.Sender, error) {
	var sender notify.Sender = notify.LogSender{Log: log.With().Str("component", "push").Logger()}
	if cfg.FirebaseCredFile != "" {
		fcm, err := notify.NewFCMSender(ctx, cfg.FirebaseCredFile)
		if err != nil {
			return nil, err
		}
		sender = fcm
	} else {
		log.Warn().Msg("FIREBASE_CREDENTIALS not set, push notifications are only logged")
	}
	return notify.NewRateLimitedSender(sender, cfg.PushRatePerSec, int(cfg.PushRatePerSec)+1), nil
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
