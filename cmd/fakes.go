package cmd

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/willyaranda/notification-next/internal/broker"
	"github.com/willyaranda/notification-next/internal/test/fakes"
	"github.com/willyaranda/notification-next/pkg/push"
	"github.com/willyaranda/notification-next/routingservice/config"
)

var (
	localHubOnce sync.Once
	localHub     *fakes.MemoryHub
)

// sharedHub returns the process-wide in-memory broker so every local
// endpoint sees the same queues.
func sharedHub(logger zerolog.Logger) *fakes.MemoryHub {
	localHubOnce.Do(func() {
		localHub = fakes.NewMemoryHub(logger)
	})
	return localHub
}

func newLocalEndpoint(name string, logger zerolog.Logger) *fakes.MemoryEndpoint {
	return fakes.NewMemoryEndpoint(name, sharedHub(logger))
}

// NewLocalDependencies creates an in-memory registry and a single-endpoint
// in-memory broker pool for local development.
func NewLocalDependencies(cfg *config.AppConfig, logger zerolog.Logger) (push.RegistryStore, *broker.Pool) {
	registry := newLocalRegistry(cfg, logger)
	// A single non-nil endpoint never fails pool construction.
	pool, _ := broker.NewPool([]broker.Endpoint{newLocalEndpoint("local", logger)}, logger)
	return registry, pool
}

func newLocalRegistry(cfg *config.AppConfig, logger zerolog.Logger) *fakes.MemoryRegistry {
	return fakes.NewMemoryRegistry(cfg.Registry.UseAppIndex, logger)
}
