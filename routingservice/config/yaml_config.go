package config

import (
	"time"

	"github.com/rs/zerolog"
)

// --- YAML-Specific Structs ---

type YamlMongoConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type YamlRegistryConfig struct {
	Type           string          `yaml:"type"` // "mongo", "firestore" or "memory"
	UseAppIndex    bool            `yaml:"use_app_index"`
	HealthInterval time.Duration   `yaml:"health_interval"`
	Mongo          YamlMongoConfig `yaml:"mongo"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type YamlOperatorCacheConfig struct {
	Type  string          `yaml:"type"` // "redis" or "memory"
	TTL   time.Duration   `yaml:"ttl"`
	Redis YamlRedisConfig `yaml:"redis"`
}

type YamlBrokerEndpoint struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // "redis", "pubsub", "mqtt", "kafka" or "memory"
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type YamlBrokerConfig struct {
	HealthInterval time.Duration        `yaml:"health_interval"`
	Endpoints      []YamlBrokerEndpoint `yaml:"endpoints"`
}

type YamlMonitorConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval"`
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
	GraceWindow   time.Duration `yaml:"grace_window"`
	DirectWakeup  bool          `yaml:"direct_wakeup"`
}

type YamlWakeupConfig struct {
	ListenAddr    string        `yaml:"listen_addr"`
	Preproduction bool          `yaml:"preproduction"`
	TCPTimeout    time.Duration `yaml:"tcp_timeout"`
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID     string                  `yaml:"project_id"`
	RunMode       string                  `yaml:"run_mode"`
	Registry      YamlRegistryConfig      `yaml:"registry"`
	OperatorCache YamlOperatorCacheConfig `yaml:"operator_cache"`
	Broker        YamlBrokerConfig        `yaml:"broker"`
	Monitor       YamlMonitorConfig       `yaml:"monitor"`
	Wakeup        YamlWakeupConfig        `yaml:"wakeup"`
}

// Defaults applied in Stage 1 when the YAML leaves a value unset.
const (
	DefaultRetryInterval  = 30 * time.Second
	DefaultReadyTimeout   = 30 * time.Second
	DefaultGraceWindow    = 3 * time.Second
	DefaultHealthInterval = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultTCPTimeout     = 5 * time.Second
	DefaultRemoteTimeout  = 5 * time.Second
	DefaultCacheTTL       = 10 * time.Minute
)

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a base
// AppConfig, filling in defaults. Environment overrides and validation happen
// in UpdateConfigWithEnvOverrides.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Mapping YAML config to base config struct")

	endpoints := make([]BrokerEndpoint, 0, len(yamlCfg.Broker.Endpoints))
	for i, ep := range yamlCfg.Broker.Endpoints {
		endpoints = append(endpoints, BrokerEndpoint{
			Name:     endpointName(ep.Name, ep.Type, i),
			Type:     ep.Type,
			Addr:     ep.Addr,
			Username: ep.Username,
			Password: ep.Password,
		})
	}

	appCfg := &AppConfig{
		ProjectID: yamlCfg.ProjectID,
		RunMode:   orDefault(yamlCfg.RunMode, RunModeProd),
		Registry: RegistryConfig{
			Type:           yamlCfg.Registry.Type,
			UseAppIndex:    yamlCfg.Registry.UseAppIndex,
			HealthInterval: durationOr(yamlCfg.Registry.HealthInterval, DefaultHealthInterval),
			MongoURI:       yamlCfg.Registry.Mongo.URI,
			MongoDatabase:  yamlCfg.Registry.Mongo.Database,
			ConnectTimeout: durationOr(yamlCfg.Registry.Mongo.ConnectTimeout, DefaultConnectTimeout),
		},
		OperatorCache: OperatorCacheConfig{
			Type:          orDefault(yamlCfg.OperatorCache.Type, "memory"),
			TTL:           durationOr(yamlCfg.OperatorCache.TTL, DefaultCacheTTL),
			RedisAddr:     yamlCfg.OperatorCache.Redis.Addr,
			RedisPassword: yamlCfg.OperatorCache.Redis.Password,
			RedisDB:       yamlCfg.OperatorCache.Redis.DB,
		},
		Broker: BrokerConfig{
			HealthInterval: durationOr(yamlCfg.Broker.HealthInterval, DefaultHealthInterval),
			Endpoints:      endpoints,
		},
		Monitor: MonitorConfig{
			RetryInterval: durationOr(yamlCfg.Monitor.RetryInterval, DefaultRetryInterval),
			ReadyTimeout:  durationOr(yamlCfg.Monitor.ReadyTimeout, DefaultReadyTimeout),
			GraceWindow:   durationOr(yamlCfg.Monitor.GraceWindow, DefaultGraceWindow),
			DirectWakeup:  yamlCfg.Monitor.DirectWakeup,
		},
		Wakeup: WakeupConfig{
			ListenAddr:    yamlCfg.Wakeup.ListenAddr,
			Preproduction: yamlCfg.Wakeup.Preproduction,
			TCPTimeout:    durationOr(yamlCfg.Wakeup.TCPTimeout, DefaultTCPTimeout),
			RemoteTimeout: durationOr(yamlCfg.Wakeup.RemoteTimeout, DefaultRemoteTimeout),
		},
	}

	logger.Debug().
		Str("project_id", appCfg.ProjectID).
		Str("run_mode", appCfg.RunMode).
		Str("registry_type", appCfg.Registry.Type).
		Int("broker_endpoints", len(appCfg.Broker.Endpoints)).
		Str("operator_cache_type", appCfg.OperatorCache.Type).
		Msg("YAML config mapping complete")

	return appCfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func durationOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
