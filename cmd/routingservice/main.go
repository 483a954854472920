// Command routingservice runs the routing engine: it consumes newMessages,
// fans deliveries out to serving nodes and runs the retry sweep.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/willyaranda/notification-next/cmd"
	"github.com/willyaranda/notification-next/internal/app"
	"github.com/willyaranda/notification-next/routingservice"
)

func main() {
	// 1. Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	logger := log.With().Str("service", "push-routing-service").Logger()

	// 2. Load config.yaml and environment overrides
	cfg, err := cmd.Load(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// 3. Create dependencies
	ctx := context.Background()
	deps, err := cmd.NewDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}
	defer deps.Release()

	// 4. Create the monitor
	monitor, err := routingservice.New(cfg.Monitor, deps.ServiceDependencies(cfg), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create routing monitor")
	}

	// 5. Run until signalled. Readiness failures and a blown grace window
	// both exit non-zero.
	if err := app.Run(ctx, logger, cfg.Monitor.GraceWindow, monitor); err != nil {
		deps.Release()
		logger.Fatal().Err(err).Msg("Routing service stopped abnormally")
	}
}
