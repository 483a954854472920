// Package config holds the routing service configuration. It is built in two
// stages: NewConfigFromYaml maps the embedded YAML file, then
// UpdateConfigWithEnvOverrides applies environment variables and validates.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	RunModeProd  = "prod"
	RunModeLocal = "local"
)

// Registry backends.
const (
	RegistryMongo     = "mongo"
	RegistryFirestore = "firestore"
	RegistryMemory    = "memory"
)

// Broker endpoint transports.
const (
	BrokerRedis  = "redis"
	BrokerPubSub = "pubsub"
	BrokerMQTT   = "mqtt"
	BrokerKafka  = "kafka"
	BrokerMemory = "memory"
)

type RegistryConfig struct {
	Type           string
	UseAppIndex    bool
	HealthInterval time.Duration
	MongoURI       string
	MongoDatabase  string
	ConnectTimeout time.Duration
}

type OperatorCacheConfig struct {
	Type          string
	TTL           time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// BrokerEndpoint is one configured broker connection. For Kafka, Addr is a
// semicolon separated broker list; for Pub/Sub it is ignored in favour of
// the project id.
type BrokerEndpoint struct {
	Name     string
	Type     string
	Addr     string
	Username string
	Password string
}

type BrokerConfig struct {
	HealthInterval time.Duration
	Endpoints      []BrokerEndpoint
}

type MonitorConfig struct {
	RetryInterval time.Duration
	ReadyTimeout  time.Duration
	GraceWindow   time.Duration
	DirectWakeup  bool
}

type WakeupConfig struct {
	ListenAddr    string
	Preproduction bool
	TCPTimeout    time.Duration
	RemoteTimeout time.Duration
}

// AppConfig is the canonical, validated configuration object used throughout the application.
// It is created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID     string
	RunMode       string
	Registry      RegistryConfig
	OperatorCache OperatorCacheConfig
	Broker        BrokerConfig
	Monitor       MonitorConfig
	Wakeup        WakeupConfig
}

// ApplyEnvOverrides applies environment variables on top of cfg without
// validating the result.
func ApplyEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	override := func(key string, apply func(string) error) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		logger.Debug().Str("key", key).Str("source", "env").Msg("Overriding config value")
		if err := apply(v); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		return nil
	}

	overrides := []struct {
		key   string
		apply func(string) error
	}{
		{"GCP_PROJECT_ID", func(v string) error { cfg.ProjectID = v; return nil }},
		{"RUN_MODE", func(v string) error { cfg.RunMode = v; return nil }},
		{"MONGO_URI", func(v string) error { cfg.Registry.MongoURI = v; return nil }},
		{"REDIS_ADDR", func(v string) error { cfg.OperatorCache.RedisAddr = v; return nil }},
		{"BROKER_ENDPOINTS", func(v string) error {
			eps, err := ParseBrokerEndpoints(v)
			if err != nil {
				return err
			}
			cfg.Broker.Endpoints = eps
			return nil
		}},
		{"RETRY_INTERVAL", durationSetter(&cfg.Monitor.RetryInterval)},
		{"READY_TIMEOUT", durationSetter(&cfg.Monitor.ReadyTimeout)},
		{"WAKEUP_PORT", func(v string) error {
			port, err := strconv.Atoi(v)
			if err != nil || port < 0 || port > 65535 {
				return fmt.Errorf("port %q out of range", v)
			}
			cfg.Wakeup.ListenAddr = ":" + v
			return nil
		}},
	}
	for _, o := range overrides {
		if err := override(o.key, o.apply); err != nil {
			logger.Error().Err(err).Msg("Invalid environment override")
			return nil, err
		}
	}
	return cfg, nil
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
// This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	cfg, err := ApplyEnvOverrides(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("Final config validation failed")
		return nil, err
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}

func durationSetter(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

// Validate checks the fields the service cannot start without.
func (c *AppConfig) Validate() error {
	if c.RunMode != RunModeProd && c.RunMode != RunModeLocal {
		return fmt.Errorf("run_mode must be %q or %q, got %q", RunModeProd, RunModeLocal, c.RunMode)
	}

	switch c.Registry.Type {
	case RegistryMongo:
		if c.Registry.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is not set in config or env var")
		}
		if c.Registry.MongoDatabase == "" {
			return fmt.Errorf("registry.mongo.database is not set")
		}
	case RegistryFirestore:
		if c.ProjectID == "" {
			return fmt.Errorf("GCP_PROJECT_ID is not set in config or env var")
		}
	case RegistryMemory:
	default:
		return fmt.Errorf("invalid registry type: %q (must be 'mongo', 'firestore' or 'memory')", c.Registry.Type)
	}

	switch c.OperatorCache.Type {
	case "redis":
		if c.OperatorCache.RedisAddr == "" {
			return fmt.Errorf("operator_cache type is redis but no address is configured (check REDIS_ADDR env var)")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid operator_cache type: %q (must be 'redis' or 'memory')", c.OperatorCache.Type)
	}

	if len(c.Broker.Endpoints) == 0 {
		return fmt.Errorf("no broker endpoints configured (check BROKER_ENDPOINTS env var)")
	}
	for _, ep := range c.Broker.Endpoints {
		switch ep.Type {
		case BrokerRedis, BrokerMQTT, BrokerKafka:
			if ep.Addr == "" {
				return fmt.Errorf("broker endpoint %s has no address", ep.Name)
			}
		case BrokerPubSub:
			if c.ProjectID == "" {
				return fmt.Errorf("broker endpoint %s needs GCP_PROJECT_ID", ep.Name)
			}
		case BrokerMemory:
		default:
			return fmt.Errorf("broker endpoint %s has invalid type %q", ep.Name, ep.Type)
		}
	}

	if c.Monitor.RetryInterval <= 0 || c.Monitor.ReadyTimeout <= 0 || c.Monitor.GraceWindow <= 0 {
		return fmt.Errorf("monitor intervals must be positive")
	}
	return nil
}

// ValidateWakeup checks only what the wake-up HTTP service needs; the
// registry and broker sections are not read by that binary.
func (c *AppConfig) ValidateWakeup() error {
	if c.Wakeup.ListenAddr == "" {
		return fmt.Errorf("wakeup.listen_addr is not set (check WAKEUP_PORT env var)")
	}
	if c.Wakeup.TCPTimeout < 0 {
		return fmt.Errorf("wakeup.tcp_timeout cannot be negative")
	}
	if c.Monitor.GraceWindow <= 0 {
		return fmt.Errorf("grace window must be positive")
	}
	return nil
}

// ParseBrokerEndpoints parses a comma separated list of "type://addr"
// entries, for example "redis://cache:6379,kafka://k1:9092;k2:9092".
func ParseBrokerEndpoints(s string) ([]BrokerEndpoint, error) {
	var out []BrokerEndpoint
	for i, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		typ, addr, ok := strings.Cut(raw, "://")
		if !ok || typ == "" {
			return nil, fmt.Errorf("broker endpoint %q is not of the form type://addr", raw)
		}
		out = append(out, BrokerEndpoint{Name: endpointName("", typ, i), Type: typ, Addr: addr})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty broker endpoint list")
	}
	return out, nil
}

func endpointName(name, typ string, i int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("%s-%d", typ, i)
}
