package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/db"
	"fleet-tracker/internal/metrics"
	"fleet-tracker/internal/sim"
	"fleet-tracker/internal/telemetry"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "create the tracker tables and indexes",
		Action: func(c *cli.Context) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			sqlDB, err := connectPostgres(c.Context, log, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			if err := db.NewStore(sqlDB, cfg.StoreTimeout).Migrate(c.Context); err != nil {
				return err
			}
			log.Info().Msg("schema up to date")
			return nil
		},
	}
}

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "publish synthetic telemetry for every active vehicle on a route",
		Action: func(c *cli.Context) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pattern, err := telemetry.ParsePattern(cfg.NATSSubject)
			if err != nil {
				return fmt.Errorf("NATS_SUBJECT: %w", err)
			}
			sqlDB, err := connectPostgres(ctx, log, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			mcol := metrics.NewCollector(0, cfg.DelayThresholdMinutes)
			if cfg.MetricsAddr != "" {
				defer shutdown(mcol.Serve(cfg.MetricsAddr, log))
			}

			pub, err := connectPublisher(ctx, log, cfg.NATSURL, pattern, cfg.LogNATSSubjects, mcol)
			if err != nil {
				return err
			}
			defer pub.Close()

			mgr := sim.NewManager(db.NewStore(sqlDB, cfg.StoreTimeout), pub,
				cfg.SimPublishInterval, cfg.SimSpeedKmh, cfg.SimRefreshInterval,
				clock.RealClock{}, log.With().Str("component", "sim").Logger(), mcol)
			mgr.StartRefresher(ctx)
			log.Info().Int("vehicles", mgr.Running()).Dur("interval", cfg.SimPublishInterval).Msg("simulating")

			<-ctx.Done()
			mgr.Stop()
			log.Info().Msg("shutdown complete")
			return nil
		},
	}
}
