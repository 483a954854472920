package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/willyaranda/notification-next/internal/broker"
	"github.com/willyaranda/notification-next/pkg/push"
)

const (
	mqttQoS            byte = 1
	mqttTopicPrefix         = "push/queue/"
	mqttDisconnectWait      = 250 // milliseconds
)

// MQTTConfig holds the connection settings for an MQTT endpoint.
type MQTTConfig struct {
	BrokerURL      string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// MQTTEndpoint implements broker.Endpoint on an MQTT v3.1.1 broker. Queues
// are QoS 1 topics; consumers use shared subscriptions
// ($share/<group>/<topic>) on a persistent session so a group behaves as
// one durable queue.
type MQTTEndpoint struct {
	name   string
	cfg    MQTTConfig
	logger zerolog.Logger

	mu        sync.Mutex
	client    pahomqtt.Client
	connected atomic.Bool
	closeOnce sync.Once
	// connects counts OnConnect callbacks; the first one belongs to the
	// initial Connect and is not reported as a status change.
	connects atomic.Int32
}

var _ broker.Endpoint = (*MQTTEndpoint)(nil)

// NewMQTTEndpoint creates an endpoint for cfg.BrokerURL.
func NewMQTTEndpoint(name string, cfg MQTTConfig, logger zerolog.Logger) (*MQTTEndpoint, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("broker URL is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &MQTTEndpoint{
		name:   name,
		cfg:    cfg,
		logger: logger.With().Str("component", "MQTTEndpoint").Str("endpoint", name).Logger(),
	}, nil
}

func (m *MQTTEndpoint) Name() string { return m.name }

// Connect dials the broker. Auto-reconnect is enabled; losses and
// reconnects are reported through status.
func (m *MQTTEndpoint) Connect(_ context.Context, status broker.StatusFunc) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(m.cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("push-%s-%s", m.name, uuid.NewString()[:8]))
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetConnectTimeout(m.cfg.ConnectTimeout)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)
	opts.SetResumeSubs(true)
	opts.SetAutoAckDisabled(true)
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		m.connectionLost(status, err)
	})
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		m.reconnected(status)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("connection to %s timed out", m.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", m.cfg.BrokerURL, err)
	}

	m.markConnected(client)
	return nil
}

// markConnected publishes client once the connect token has succeeded.
// paho runs OnConnect on its own goroutine, so readiness cannot wait for it.
func (m *MQTTEndpoint) markConnected(client pahomqtt.Client) {
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	// A loss between the token and here has already been reported.
	m.connected.Store(client.IsConnectionOpen())
}

func (m *MQTTEndpoint) reconnected(status broker.StatusFunc) {
	m.connected.Store(true)
	if m.connects.Add(1) > 1 && status != nil {
		status(true, nil)
	}
}

func (m *MQTTEndpoint) connectionLost(status broker.StatusFunc, err error) {
	m.connected.Store(false)
	if status != nil {
		status(false, err)
	}
}

func (m *MQTTEndpoint) currentClient() (pahomqtt.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil || !m.connected.Load() {
		return nil, push.ErrNotReady
	}
	return m.client, nil
}

// Publish sends data with QoS 1 and waits for the broker's acknowledgement.
func (m *MQTTEndpoint) Publish(ctx context.Context, queue string, data []byte) error {
	client, err := m.currentClient()
	if err != nil {
		return err
	}
	token := client.Publish(MQTTTopic(queue), mqttQoS, false, data)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Subscribe registers a shared subscription for the group. Messages are
// acknowledged only after the handler succeeds.
func (m *MQTTEndpoint) Subscribe(ctx context.Context, queue string, opts push.QueueOptions, handler push.MessageHandler) error {
	client, err := m.currentClient()
	if err != nil {
		return err
	}
	filter := MQTTTopic(queue)
	if opts.Group != "" {
		filter = fmt.Sprintf("$share/%s/%s", opts.Group, filter)
	}

	log := m.logger.With().Str("queue", queue).Logger()
	token := client.Subscribe(filter, mqttQoS, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if ctx.Err() != nil {
			return
		}
		if err := handler(ctx, msg.Payload()); err != nil {
			// Without an ack the broker redelivers on the next session.
			log.Warn().Err(err).Uint16("message_id", msg.MessageID()).Msg("Handler failed, message left unacknowledged")
			return
		}
		msg.Ack()
	})
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTTEndpoint) Close(_ context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		client := m.client
		m.mu.Unlock()
		if client != nil {
			m.connected.Store(false)
			client.Disconnect(mqttDisconnectWait)
		}
	})
	return nil
}

func waitToken(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MQTTTopic maps a queue name onto a topic, replacing the wildcard and
// separator characters a serving node id may contain.
func MQTTTopic(queue string) string {
	return mqttTopicPrefix + strings.NewReplacer("#", "_", "+", "_", "/", "_").Replace(queue)
}
