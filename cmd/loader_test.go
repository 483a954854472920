package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willyaranda/notification-next/routingservice/config"
)

func TestLoad_EmbeddedConfig(t *testing.T) {
	cfg, err := Load(zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, config.RunModeProd, cfg.RunMode)
	assert.Equal(t, config.RegistryMongo, cfg.Registry.Type)
	assert.Equal(t, 30*time.Second, cfg.Monitor.RetryInterval)
	assert.Equal(t, 3*time.Second, cfg.Monitor.GraceWindow)
	require.Len(t, cfg.Broker.Endpoints, 1)
	assert.Equal(t, "primary", cfg.Broker.Endpoints[0].Name)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BROKER_ENDPOINTS", "memory://,kafka://k1:9092;k2:9092")
	t.Setenv("RETRY_INTERVAL", "5s")
	t.Setenv("WAKEUP_PORT", "9999")

	cfg, err := Load(zerolog.Nop())
	require.NoError(t, err)

	require.Len(t, cfg.Broker.Endpoints, 2)
	assert.Equal(t, config.BrokerMemory, cfg.Broker.Endpoints[0].Type)
	assert.Equal(t, "k1:9092;k2:9092", cfg.Broker.Endpoints[1].Addr)
	assert.Equal(t, 5*time.Second, cfg.Monitor.RetryInterval)
	assert.Equal(t, ":9999", cfg.Wakeup.ListenAddr)
}

func TestLoad_InvalidYaml(t *testing.T) {
	_, err := load([]byte("registry: [unterminated"), zerolog.Nop())
	assert.Error(t, err)
}

func TestLoadWakeup_IgnoresRoutingSections(t *testing.T) {
	data := []byte(`
registry:
  type: "mongo"
broker:
  endpoints: []
wakeup:
  listen_addr: ":8090"
`)
	_, err := load(data, zerolog.Nop())
	require.Error(t, err, "the routing service needs a registry URI and a broker")

	cfg, err := loadWakeup(data, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Wakeup.ListenAddr)
	assert.Equal(t, config.DefaultTCPTimeout, cfg.Wakeup.TCPTimeout)
}

func TestLoadWakeup_RequiresListenAddr(t *testing.T) {
	_, err := loadWakeup([]byte("wakeup:\n  preproduction: true\n"), zerolog.Nop())
	assert.ErrorContains(t, err, "listen_addr")

	t.Setenv("WAKEUP_PORT", "9999")
	cfg, err := loadWakeup([]byte("wakeup:\n  preproduction: true\n"), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Wakeup.ListenAddr)
}

func TestNewDependencies_LocalMode(t *testing.T) {
	t.Setenv("RUN_MODE", config.RunModeLocal)
	t.Setenv("BROKER_ENDPOINTS", "memory://")
	cfg, err := Load(zerolog.Nop())
	require.NoError(t, err)
	cfg.Monitor.DirectWakeup = true

	deps, err := NewDependencies(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer deps.Release()

	require.NotNil(t, deps.Registry)
	require.NotNil(t, deps.Pool)
	require.NotNil(t, deps.Operators)
	require.NotNil(t, deps.Notifier)

	svc := deps.ServiceDependencies(cfg)
	assert.Equal(t, deps.Waker, svc.Waker)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	select {
	case <-deps.Pool.Connect(ctx):
	case <-ctx.Done():
		t.Fatal("local broker did not become ready")
	}
	require.NoError(t, deps.Pool.Close(context.Background()))
}

func TestNewEndpoints_Types(t *testing.T) {
	cfg := &config.AppConfig{
		ProjectID: "p",
		Broker: config.BrokerConfig{Endpoints: []config.BrokerEndpoint{
			{Name: "r", Type: config.BrokerRedis, Addr: "localhost:6379"},
			{Name: "p", Type: config.BrokerPubSub},
			{Name: "m", Type: config.BrokerMQTT, Addr: "localhost:1883"},
			{Name: "k", Type: config.BrokerKafka, Addr: "localhost:9092"},
			{Name: "x", Type: config.BrokerMemory},
		}},
	}
	endpoints, err := newEndpoints(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, endpoints, 5)
	for i, ep := range endpoints {
		assert.Equal(t, cfg.Broker.Endpoints[i].Name, ep.Name())
	}

	cfg.Broker.Endpoints = []config.BrokerEndpoint{{Name: "bad", Type: "amqp"}}
	_, err = newEndpoints(cfg, zerolog.Nop())
	assert.Error(t, err)
}
