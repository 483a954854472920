package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/willyaranda/notification-next/internal/broker"
	"github.com/willyaranda/notification-next/internal/platform/cache"
	"github.com/willyaranda/notification-next/internal/platform/persistence"
	psub "github.com/willyaranda/notification-next/internal/platform/pubsub"
	"github.com/willyaranda/notification-next/internal/platform/queue"
	"github.com/willyaranda/notification-next/internal/wakeup"
	"github.com/willyaranda/notification-next/pkg/push"
	"github.com/willyaranda/notification-next/routingservice/config"
)

// Dependencies is the concrete object graph shared by the binaries. Nothing
// is connected yet: callers Open the registry and Connect the pool.
type Dependencies struct {
	Registry  push.RegistryStore
	Pool      *broker.Pool
	Operators *cache.OperatorCache
	Notifier  *wakeup.Notifier
	Waker     *wakeup.Dispatcher

	closers []func() error
}

// ServiceDependencies returns the routing engine's view of the graph. The
// waker is only handed over when direct wake-up is enabled.
func (d *Dependencies) ServiceDependencies(cfg *config.AppConfig) *push.ServiceDependencies {
	deps := &push.ServiceDependencies{
		Registry:  d.Registry,
		Broker:    d.Pool,
		Operators: d.Operators,
	}
	if cfg.Monitor.DirectWakeup {
		deps.Waker = d.Waker
	}
	return deps
}

// Release closes clients that no component lifecycle owns, such as the
// operator cache Redis client.
func (d *Dependencies) Release() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
	d.closers = nil
}

// NewDependencies builds every dependency from cfg. In local run mode the
// registry and broker are in-process fakes.
func NewDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}
	if cfg.RunMode == config.RunModeLocal {
		logger.Warn().Msg("Running in 'local' mode. Registry and broker will be faked.")
		deps.Registry, deps.Pool = NewLocalDependencies(cfg, logger)
	} else {
		registry, err := newRegistry(ctx, cfg, logger)
		if err != nil {
			deps.Release()
			return nil, err
		}
		deps.Registry = registry

		endpoints, err := newEndpoints(cfg, logger)
		if err != nil {
			deps.Release()
			return nil, err
		}
		pool, err := broker.NewPool(endpoints, logger)
		if err != nil {
			deps.Release()
			return nil, fmt.Errorf("failed to create broker pool: %w", err)
		}
		deps.Pool = pool
	}

	operators, err := newOperatorCache(cfg, deps, logger)
	if err != nil {
		deps.Release()
		return nil, err
	}
	deps.Operators = operators

	deps.Notifier = wakeup.NewNotifier(cfg.Wakeup.TCPTimeout, logger)
	deps.Waker, err = wakeup.NewDispatcher(operators, deps.Notifier, &http.Client{Timeout: cfg.Wakeup.RemoteTimeout}, logger)
	if err != nil {
		deps.Release()
		return nil, fmt.Errorf("failed to create wake-up dispatcher: %w", err)
	}

	logger.Debug().Msg("All dependencies initialized")
	return deps, nil
}

// newRegistry creates the pluggable registry store based on config.
func newRegistry(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (push.RegistryStore, error) {
	logger.Info().Str("type", cfg.Registry.Type).Msg("Initializing registry...")

	switch cfg.Registry.Type {
	case config.RegistryMongo:
		return persistence.NewMongoRegistry(persistence.MongoConfig{
			URI:            cfg.Registry.MongoURI,
			Database:       cfg.Registry.MongoDatabase,
			UseAppIndex:    cfg.Registry.UseAppIndex,
			ConnectTimeout: cfg.Registry.ConnectTimeout,
			HealthInterval: cfg.Registry.HealthInterval,
		}, logger)

	case config.RegistryFirestore:
		logger.Debug().Str("project_id", cfg.ProjectID).Msg("Connecting to Firestore")
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		return persistence.NewFirestoreRegistry(fsClient, cfg.Registry.HealthInterval, logger)

	case config.RegistryMemory:
		return newLocalRegistry(cfg, logger), nil

	default:
		return nil, fmt.Errorf("invalid registry type: %s", cfg.Registry.Type)
	}
}

// newEndpoints creates one broker endpoint per configured connection.
func newEndpoints(cfg *config.AppConfig, logger zerolog.Logger) ([]broker.Endpoint, error) {
	endpoints := make([]broker.Endpoint, 0, len(cfg.Broker.Endpoints))
	for _, ep := range cfg.Broker.Endpoints {
		logger.Info().Str("endpoint", ep.Name).Str("type", ep.Type).Msg("Initializing broker endpoint...")
		endpoint, err := newEndpoint(cfg, ep, logger)
		if err != nil {
			return nil, fmt.Errorf("broker endpoint %s: %w", ep.Name, err)
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, nil
}

func newEndpoint(cfg *config.AppConfig, ep config.BrokerEndpoint, logger zerolog.Logger) (broker.Endpoint, error) {
	switch ep.Type {
	case config.BrokerRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     ep.Addr,
			Username: ep.Username,
			Password: ep.Password,
		})
		return queue.NewRedisStreamEndpoint(ep.Name, rdb, cfg.Broker.HealthInterval, logger)

	case config.BrokerPubSub:
		return psub.NewEndpoint(ep.Name, cfg.ProjectID, logger), nil

	case config.BrokerMQTT:
		brokerURL := ep.Addr
		if !strings.Contains(brokerURL, "://") {
			brokerURL = "tcp://" + brokerURL
		}
		return queue.NewMQTTEndpoint(ep.Name, queue.MQTTConfig{
			BrokerURL:      brokerURL,
			Username:       ep.Username,
			Password:       ep.Password,
			ConnectTimeout: cfg.Registry.ConnectTimeout,
		}, logger)

	case config.BrokerKafka:
		return queue.NewKafkaEndpoint(ep.Name, queue.KafkaConfig{
			Brokers:        strings.Split(ep.Addr, ";"),
			HealthInterval: cfg.Broker.HealthInterval,
		}, logger)

	case config.BrokerMemory:
		return newLocalEndpoint(ep.Name, logger), nil

	default:
		return nil, fmt.Errorf("invalid broker type: %s", ep.Type)
	}
}

// newOperatorCache wraps the registry's operator lookup with the configured
// cache backend.
func newOperatorCache(cfg *config.AppConfig, deps *Dependencies, logger zerolog.Logger) (*cache.OperatorCache, error) {
	var backend cache.Backend
	switch cfg.OperatorCache.Type {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.OperatorCache.RedisAddr,
			Password: cfg.OperatorCache.RedisPassword,
			DB:       cfg.OperatorCache.RedisDB,
		})
		deps.closers = append(deps.closers, rdb.Close)
		redisBackend, err := cache.NewRedisBackend(rdb, cfg.OperatorCache.TTL)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("addr", cfg.OperatorCache.RedisAddr).Msg("Using Redis operator cache")
		backend = redisBackend
	default:
		backend = cache.NewMemoryBackend(cfg.OperatorCache.TTL)
	}
	return cache.NewOperatorCache(deps.Registry, backend, logger)
}
