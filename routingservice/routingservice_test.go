package routingservice_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willyaranda/notification-next/internal/broker"
	"github.com/willyaranda/notification-next/internal/test/fakes"
	"github.com/willyaranda/notification-next/pkg/push"
	"github.com/willyaranda/notification-next/routingservice"
	"github.com/willyaranda/notification-next/routingservice/config"
)

var device = push.DeviceData{
	WakeupHostPort: &push.HostPort{IP: "10.0.0.1", Port: 4000},
	Protocol:       push.TransportUDP,
	CanBeWakeup:    true,
}

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		RetryInterval: 50 * time.Millisecond,
		ReadyTimeout:  time.Second,
		GraceWindow:   time.Second,
	}
}

type harness struct {
	registry *fakes.MemoryRegistry
	hub      *fakes.MemoryHub
	pool     *broker.Pool
	notifier *fakes.RecordingNotifier
	deps     *push.ServiceDependencies
}

func newHarness(t *testing.T, endpoints ...*fakes.MemoryEndpoint) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{
		registry: fakes.NewMemoryRegistry(false, logger),
		hub:      fakes.NewMemoryHub(logger),
		notifier: &fakes.RecordingNotifier{},
	}
	if len(endpoints) == 0 {
		endpoints = []*fakes.MemoryEndpoint{fakes.NewMemoryEndpoint("mem-0", h.hub)}
	}
	eps := make([]broker.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		eps = append(eps, ep)
	}
	pool, err := broker.NewPool(eps, logger)
	require.NoError(t, err)
	h.pool = pool
	h.deps = &push.ServiceDependencies{
		Registry:  h.registry,
		Broker:    pool,
		Operators: h.registry,
		Waker:     h.notifier,
	}
	return h
}

func startMonitor(t *testing.T, m *routingservice.Monitor) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- m.Start(context.Background()) }()
	require.Eventually(t, func() bool { return m.State() == routingservice.StateReady }, 2*time.Second, 5*time.Millisecond)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return errc
}

func deliveries(t *testing.T, hub *fakes.MemoryHub, queue string) []push.Delivery {
	t.Helper()
	var out []push.Delivery
	for _, raw := range hub.Published(queue) {
		var d push.Delivery
		require.NoError(t, json.Unmarshal(raw, &d))
		out = append(out, d)
	}
	return out
}

func TestMonitor_RoutesNewMessageToServingNode(t *testing.T) {
	h := newHarness(t)
	cfg := testMonitorConfig()
	cfg.RetryInterval = time.Hour
	m, err := routingservice.New(cfg, h.deps, zerolog.Nop())
	require.NoError(t, err)
	startMonitor(t, m)

	ctx := context.Background()
	_, err = h.registry.RegisterNode(ctx, "A1", "S1", device)
	require.NoError(t, err)
	_, err = h.registry.SubscribeChannel(ctx, "A1", "T1", "c1")
	require.NoError(t, err)

	require.NoError(t, h.pool.Publish(ctx, push.NewMessagesQueue, push.NewMessage{AppToken: "T1", Version: 5}))

	require.Eventually(t, func() bool { return len(h.hub.Published("S1")) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []push.Delivery{{
		AgentID:    "A1",
		DeviceData: device,
		Payload:    push.NewMessage{AppToken: "T1", Version: 5},
	}}, deliveries(t, h.hub, "S1"))
}

func TestMonitor_InvalidMessageIsDropped(t *testing.T) {
	h := newHarness(t)
	m, err := routingservice.New(testMonitorConfig(), h.deps, zerolog.Nop())
	require.NoError(t, err)

	assert.NoError(t, m.HandleNewMessage(context.Background(), []byte(`{"app":"","vs":1}`)))
	assert.NoError(t, m.HandleNewMessage(context.Background(), []byte(`garbage`)))
}

func TestMonitor_RoutingFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	m, err := routingservice.New(testMonitorConfig(), h.deps, zerolog.Nop())
	require.NoError(t, err)

	// The registry was never opened.
	err = m.HandleNewMessage(context.Background(), []byte(`{"app":"T1","vs":1}`))
	assert.ErrorIs(t, err, push.ErrNotReady)
}

func TestMonitor_RetrySweepRedeliversUnacked(t *testing.T) {
	h := newHarness(t)
	m, err := routingservice.New(testMonitorConfig(), h.deps, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.registry.Open(ctx))
	_, err = h.registry.RegisterNode(ctx, "A1", "S1", device)
	require.NoError(t, err)
	_, err = h.registry.SubscribeChannel(ctx, "A1", "T1", "c1")
	require.NoError(t, err)
	_, err = h.registry.SetVersion(ctx, "T1", "c1", 3)
	require.NoError(t, err)

	startMonitor(t, m)

	require.Eventually(t, func() bool { return len(h.hub.Published("S1")) >= 2 }, 2*time.Second, 5*time.Millisecond)
	d := deliveries(t, h.hub, "S1")[0]
	assert.Equal(t, push.NewMessage{AppToken: "T1", Version: 3}, d.Payload)

	// Acknowledging stops the re-delivery.
	_, err = h.registry.Acknowledge(ctx, "A1", "c1", 3)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	n := len(h.hub.Published("S1"))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, n, len(h.hub.Published("S1")))
}

func TestMonitor_DirectWakeupOfDisconnectedNodes(t *testing.T) {
	h := newHarness(t)
	cfg := testMonitorConfig()
	cfg.DirectWakeup = true
	m, err := routingservice.New(cfg, h.deps, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.registry.Open(ctx))
	_, err = h.registry.RegisterNode(ctx, "A1", "S1", device)
	require.NoError(t, err)
	_, err = h.registry.SubscribeChannel(ctx, "A1", "T1", "c1")
	require.NoError(t, err)
	_, err = h.registry.UnregisterNode(ctx, "A1", push.Disconnected, "S1")
	require.NoError(t, err)

	startMonitor(t, m)
	require.NoError(t, h.pool.Publish(ctx, push.NewMessagesQueue, push.NewMessage{AppToken: "T1", Version: 1}))

	require.Eventually(t, func() bool { return len(h.notifier.WokenNodes()) > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "A1", h.notifier.WokenNodes()[0])
	assert.Empty(t, h.hub.Published("S1"), "disconnected nodes are never published to directly")
}

// lazyRegistry never becomes ready.
type lazyRegistry struct {
	*fakes.MemoryRegistry
}

func (lazyRegistry) Open(context.Context) error { return nil }

func TestMonitor_ReadinessTimeout(t *testing.T) {
	h := newHarness(t)
	h.deps.Registry = lazyRegistry{h.registry}
	cfg := testMonitorConfig()
	cfg.ReadyTimeout = 50 * time.Millisecond
	m, err := routingservice.New(cfg, h.deps, zerolog.Nop())
	require.NoError(t, err)

	err = m.Start(context.Background())
	assert.ErrorIs(t, err, push.ErrNotReady)
	assert.Equal(t, routingservice.StateWaitingForDependencies, m.State())
}

func TestMonitor_AllEndpointsRefused(t *testing.T) {
	hub := fakes.NewMemoryHub(zerolog.Nop())
	a, b := fakes.NewMemoryEndpoint("a", hub), fakes.NewMemoryEndpoint("b", hub)
	a.ConnectErr = errors.New("connection refused")
	b.ConnectErr = errors.New("connection refused")
	h := newHarness(t, a, b)
	m, err := routingservice.New(testMonitorConfig(), h.deps, zerolog.Nop())
	require.NoError(t, err)

	err = m.Start(context.Background())
	assert.ErrorIs(t, err, push.ErrNotReady)
}

func TestMonitor_OneEndpointRefusedStillReady(t *testing.T) {
	hub := fakes.NewMemoryHub(zerolog.Nop())
	bad, good := fakes.NewMemoryEndpoint("bad", hub), fakes.NewMemoryEndpoint("good", hub)
	bad.ConnectErr = errors.New("connection refused")
	h := newHarness(t, bad, good)
	m, err := routingservice.New(testMonitorConfig(), h.deps, zerolog.Nop())
	require.NoError(t, err)

	startMonitor(t, m)
	assert.Equal(t, broker.StateConnected, h.pool.States()["good"])
	assert.Equal(t, broker.StateError, h.pool.States()["bad"])
}

func TestMonitor_TracksBrokerOutages(t *testing.T) {
	ep := fakes.NewMemoryEndpoint("mem-0", fakes.NewMemoryHub(zerolog.Nop()))
	h := newHarness(t, ep)
	m, err := routingservice.New(testMonitorConfig(), h.deps, zerolog.Nop())
	require.NoError(t, err)
	startMonitor(t, m)
	assert.Zero(t, m.BrokerOutages())

	ep.Drop()
	assert.Equal(t, int64(1), m.BrokerOutages())
	ep.Restore()
	ep.Drop()
	assert.Equal(t, int64(2), m.BrokerOutages())
}

func TestMonitor_ShutdownIsIdempotent(t *testing.T) {
	h := newHarness(t)
	m, err := routingservice.New(testMonitorConfig(), h.deps, zerolog.Nop())
	require.NoError(t, err)
	errc := startMonitor(t, m)

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, routingservice.StateStopped, m.State())

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Shutdown")
	}

	// A controlled close never reports the broker as lost.
	select {
	case <-h.pool.Lost():
		t.Fatal("broker reported lost after a controlled close")
	default:
	}
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := routingservice.New(testMonitorConfig(), &push.ServiceDependencies{Broker: h.pool}, zerolog.Nop())
	assert.Error(t, err)

	_, err = routingservice.New(testMonitorConfig(), &push.ServiceDependencies{Registry: h.registry}, zerolog.Nop())
	assert.Error(t, err)

	cfg := testMonitorConfig()
	cfg.DirectWakeup = true
	_, err = routingservice.New(cfg, &push.ServiceDependencies{Registry: h.registry, Broker: h.pool}, zerolog.Nop())
	assert.Error(t, err)
}
