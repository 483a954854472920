// Package app contains the shared, reusable logic for starting and stopping the services.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ErrShutdownTimeout is returned when services do not stop within the grace window.
var ErrShutdownTimeout = errors.New("graceful shutdown timed out")

// Service is a long-running component with an explicit lifecycle.
// Start may block until ctx is cancelled or return once the component is
// running; a non-nil error other than context.Canceled aborts the process.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Run starts every service, waits for SIGINT/SIGTERM, a start failure or ctx
// cancellation, then shuts the services down in reverse order within grace.
// It returns the first start error, or ErrShutdownTimeout when the grace
// window expires, so callers can exit non-zero.
func Run(ctx context.Context, logger zerolog.Logger, grace time.Duration, services ...Service) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	return run(ctx, logger, grace, sigs, services)
}

func run(ctx context.Context, logger zerolog.Logger, grace time.Duration, sigs <-chan os.Signal, services []Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		startErr error
	)
	for i, svc := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info().Int("service", i).Msg("Starting service...")
			err := svc.Start(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Int("service", i).Msg("Service failed")
				errOnce.Do(func() { startErr = err })
				cancel()
			}
		}()
	}

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		logger.Info().Msg("Context cancelled, initiating shutdown.")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()

	stopped := make(chan struct{})
	go func() {
		for i := len(services) - 1; i >= 0; i-- {
			if err := services[i].Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Int("service", i).Msg("Service shutdown failed.")
			}
		}
		wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Error().Dur("grace", grace).Msg("Services did not stop in time.")
		return ErrShutdownTimeout
	}

	if startErr != nil {
		return fmt.Errorf("service failed to start: %w", startErr)
	}
	logger.Info().Msg("All services shut down gracefully.")
	return nil
}
