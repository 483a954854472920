package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/willyaranda/notification-next/cmd"
	"github.com/willyaranda/notification-next/pkg/push"
)

// session holds the dependencies opened for a single command.
type session struct {
	deps   *cmd.Dependencies
	logger zerolog.Logger
}

func newSession(ctx context.Context) (*session, error) {
	logger := newLogger()
	cfg, err := cmd.Load(logger)
	if err != nil {
		return nil, err
	}
	deps, err := cmd.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &session{deps: deps, logger: logger}, nil
}

// openRegistry opens the registry and waits for it to become ready.
func (s *session) openRegistry(ctx context.Context) (push.RegistryStore, error) {
	registry := s.deps.Registry
	if err := registry.Open(ctx); err != nil {
		return nil, err
	}
	if err := waitReady(ctx, registry.Ready(), "registry"); err != nil {
		return nil, err
	}
	return registry, nil
}

// connectBroker connects the broker pool and waits for one endpoint.
func (s *session) connectBroker(ctx context.Context) (push.Broker, error) {
	pool := s.deps.Pool
	if err := waitReady(ctx, pool.Connect(ctx), "broker"); err != nil {
		return nil, err
	}
	return pool, nil
}

func (s *session) close() {
	ctx := context.Background()
	if err := s.deps.Pool.Close(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Broker close failed")
	}
	if err := s.deps.Registry.Close(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Registry close failed")
	}
	s.deps.Release()
}

// withSession runs fn with a session bounded by --ready-timeout for
// connection setup.
func withSession(parent context.Context, fn func(ctx context.Context, s *session) error) error {
	ctx, cancel := context.WithTimeout(parent, readyTimeout)
	defer cancel()
	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}

func waitReady(ctx context.Context, ready <-chan struct{}, what string) error {
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s not ready: %w", what, ctx.Err())
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
