//go:build integration

package queue_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willyaranda/notification-next/internal/broker"
	"github.com/willyaranda/notification-next/internal/platform/queue"
	"github.com/willyaranda/notification-next/pkg/push"
)

// endpointRoundTrip subscribes a fresh queue, publishes one payload and
// waits for the handler to see it.
func endpointRoundTrip(t *testing.T, ep broker.Endpoint) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	require.NoError(t, ep.Connect(ctx, func(connected bool, err error) {
		t.Logf("endpoint status changed: connected=%v err=%v", connected, err)
	}))
	t.Cleanup(func() { _ = ep.Close(context.Background()) })

	queueName := "it-" + uuid.NewString()
	received := make(chan []byte, 1)
	err := ep.Subscribe(ctx, queueName, push.DefaultQueueOptions("it"), func(_ context.Context, data []byte) error {
		received <- data
		return nil
	})
	require.NoError(t, err)

	payload := []byte(fmt.Sprintf(`{"uaid":%q}`, queueName))
	require.NoError(t, ep.Publish(ctx, queueName, payload))
	select {
	case got := <-received:
		assert.JSONEq(t, string(payload), string(got))
	case <-ctx.Done():
		t.Fatal("message was not delivered")
	}
}

func TestRedisStreamEndpoint_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ep, err := queue.NewRedisStreamEndpoint("redis-it", rdb, time.Second, zerolog.Nop())
	require.NoError(t, err)
	endpointRoundTrip(t, ep)
}

func TestMQTTEndpoint_Integration(t *testing.T) {
	url := os.Getenv("MQTT_BROKER_URL")
	if url == "" {
		t.Skip("MQTT_BROKER_URL not set")
	}
	ep, err := queue.NewMQTTEndpoint("mqtt-it", queue.MQTTConfig{BrokerURL: url}, zerolog.Nop())
	require.NoError(t, err)
	endpointRoundTrip(t, ep)
}

func TestKafkaEndpoint_Integration(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	ep, err := queue.NewKafkaEndpoint("kafka-it", queue.KafkaConfig{Brokers: strings.Split(brokers, ",")}, zerolog.Nop())
	require.NoError(t, err)
	endpointRoundTrip(t, ep)
}
