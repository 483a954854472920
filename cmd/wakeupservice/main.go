// Command wakeupservice serves the HTTP wake-up trigger used by push servers
// that cannot reach a device's private network directly.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/willyaranda/notification-next/cmd"
	"github.com/willyaranda/notification-next/internal/api"
	"github.com/willyaranda/notification-next/internal/app"
	"github.com/willyaranda/notification-next/internal/maintenance"
	"github.com/willyaranda/notification-next/internal/wakeup"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	logger := log.With().Str("service", "push-wakeup-service").Logger()

	cfg, err := cmd.LoadWakeup(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flag := maintenance.New(logger)
	go flag.Watch(ctx)

	notifier := wakeup.NewNotifier(cfg.Wakeup.TCPTimeout, logger)
	handlers := api.NewAPI(notifier, flag, cfg.Wakeup.Preproduction, logger)
	server := api.NewServer(cfg.Wakeup.ListenAddr, handlers, logger)

	if err := app.Run(ctx, logger, cfg.Monitor.GraceWindow, server); err != nil {
		logger.Fatal().Err(err).Msg("Wake-up service stopped abnormally")
	}
}
