// Package maintenance holds the process-wide maintenance flag read by the
// HTTP status handlers. Operators toggle it with SIGUSR1 (enter) and SIGUSR2
// (leave) so load balancers drain the instance before it is taken down.
package maintenance

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Flag is a concurrency-safe maintenance switch.
type Flag struct {
	active atomic.Bool
	logger zerolog.Logger
}

// New returns an inactive flag.
func New(logger zerolog.Logger) *Flag {
	return &Flag{logger: logger.With().Str("component", "Maintenance").Logger()}
}

// Set enters maintenance mode.
func (f *Flag) Set() {
	if !f.active.Swap(true) {
		f.logger.Warn().Msg("Entering maintenance mode")
	}
}

// Clear leaves maintenance mode.
func (f *Flag) Clear() {
	if f.active.Swap(false) {
		f.logger.Info().Msg("Leaving maintenance mode")
	}
}

// Active reports whether maintenance mode is on.
func (f *Flag) Active() bool {
	return f.active.Load()
}

// Watch toggles the flag on signals until ctx is cancelled. On platforms
// without user signals it only waits for ctx.
func (f *Flag) Watch(ctx context.Context) {
	watchSignals(ctx, f)
}
