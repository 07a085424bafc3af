package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"fleet-tracker/internal/config"

	_ "time/tzdata"
)

func main() {
	app := &cli.App{
		Name:  "tracker",
		Usage: "Real-time vehicle tracking, ETA prediction and arrival notifications",

		Commands: []*cli.Command{
			runCommand(),
			migrateCommand(),
			simulateCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

// setup loads the configuration and installs the process logger.
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout)
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	logger = logger.Level(level).With().Timestamp().Logger()
	log.Logger = logger

	return cfg, logger, nil
}
