// Package registrytest holds the behavioural suite every push.RegistryStore
// implementation must pass. Store-specific tests call Run with a factory
// returning an opened store.
package registrytest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willyaranda/notification-next/pkg/push"
)

// Factory returns an opened registry. Implementations sharing a database
// across runs are safe because every case uses fresh random ids.
type Factory func(t *testing.T) push.RegistryStore

var udpDevice = push.DeviceData{
	WakeupHostPort: &push.HostPort{IP: "10.0.0.1", Port: 4000},
	MobileNetwork:  &push.MobileNetwork{MCC: "214", MNC: "07"},
	Protocol:       push.TransportUDP,
	CanBeWakeup:    true,
}

func id(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Run executes the suite.
func Run(t *testing.T, newRegistry Factory) {
	t.Run("register then get", func(t *testing.T) {
		ctx := testContext(t)
		reg := newRegistry(t)
		uaid := id("ua")

		node, err := reg.RegisterNode(ctx, uaid, "server-1", udpDevice)
		require.NoError(t, err)
		require.NotNil(t, node)
		assert.Equal(t, push.Connected, node.State)

		got, err := reg.GetNode(ctx, uaid)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, uaid, got.ID)
		assert.Equal(t, push.Connected, got.State)
		assert.Equal(t, "server-1", got.ServingNodeID)
		assert.Equal(t, udpDevice, got.DeviceData)
		assert.False(t, got.LastTouched.IsZero())

		// Registering again moves the node to another serving node.
		node, err = reg.RegisterNode(ctx, uaid, "server-2", udpDevice)
		require.NoError(t, err)
		assert.Equal(t, "server-2", node.ServingNodeID)
	})

	t.Run("missing nodes are not errors", func(t *testing.T) {
		ctx := testContext(t)
		reg := newRegistry(t)
		uaid := id("missing")

		node, err := reg.GetNode(ctx, uaid)
		require.NoError(t, err)
		assert.Nil(t, node)

		node, err = reg.UnregisterNode(ctx, uaid, push.Disconnected, "server-1")
		require.NoError(t, err)
		assert.Nil(t, node)

		node, err = reg.UnsubscribeChannel(ctx, uaid, "app")
		require.NoError(t, err)
		assert.Nil(t, node)

		n, err := reg.Acknowledge(ctx, uaid, "ch", 1)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = reg.SetVersion(ctx, id("app"), "ch", 1)
		require.NoError(t, err)
		assert.Zero(t, n)

		op, err := reg.GetOperator(ctx, "999", "99")
		require.NoError(t, err)
		assert.Nil(t, op)
	})

	t.Run("unregister changes state", func(t *testing.T) {
		ctx := testContext(t)
		reg := newRegistry(t)
		uaid := id("ua")

		_, err := reg.RegisterNode(ctx, uaid, "server-1", udpDevice)
		require.NoError(t, err)

		node, err := reg.UnregisterNode(ctx, uaid, push.WakeupUDP, "server-1")
		require.NoError(t, err)
		require.NotNil(t, node)
		assert.Equal(t, push.WakeupUDP, node.State)
	})

	t.Run("subscribe is idempotent and creates the node", func(t *testing.T) {
		ctx := testContext(t)
		reg := newRegistry(t)
		uaid, app := id("ua"), id("app")

		node, err := reg.SubscribeChannel(ctx, uaid, app, "ch-1")
		require.NoError(t, err)
		require.NotNil(t, node)
		assert.Equal(t, push.Disconnected, node.State)

		_, err = reg.SetVersion(ctx, app, "ch-1", 3)
		require.NoError(t, err)

		node, err = reg.SubscribeChannel(ctx, uaid, app, "ch-1")
		require.NoError(t, err)
		require.Len(t, node.Channels, 1)
		assert.Equal(t, int64(3), node.Channels[0].Version, "re-subscribe must keep the stored version")
		assert.True(t, node.Channels[0].NeedsAck)
	})

	t.Run("version and acknowledgement lifecycle", func(t *testing.T) {
		ctx := testContext(t)
		reg := newRegistry(t)
		uaid, app := id("ua"), id("app")

		_, err := reg.RegisterNode(ctx, uaid, "server-1", udpDevice)
		require.NoError(t, err)
		_, err = reg.SubscribeChannel(ctx, uaid, app, "ch-1")
		require.NoError(t, err)

		n, err := reg.SetVersion(ctx, app, "ch-1", 5)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = reg.SetVersion(ctx, app, "ch-1", 4)
		require.NoError(t, err)
		assert.Zero(t, n, "a stale version must not match")

		node, err := reg.GetNode(ctx, uaid)
		require.NoError(t, err)
		require.Len(t, node.Channels, 1)
		assert.Equal(t, int64(5), node.Channels[0].Version)
		assert.True(t, node.Channels[0].NeedsAck)

		n, err = reg.Acknowledge(ctx, uaid, "other-channel", 5)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = reg.Acknowledge(ctx, uaid, "ch-1", 4)
		require.NoError(t, err)
		assert.Zero(t, n, "an ack for an older version must not clear the flag")

		n, err = reg.Acknowledge(ctx, uaid, "ch-1", 5)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		node, err = reg.GetNode(ctx, uaid)
		require.NoError(t, err)
		assert.False(t, node.Channels[0].NeedsAck)
	})

	t.Run("set version updates every subscriber", func(t *testing.T) {
		ctx := testContext(t)
		reg := newRegistry(t)
		app := id("app")
		a, b := id("ua"), id("ua")

		for _, uaid := range []string{a, b} {
			_, err := reg.SubscribeChannel(ctx, uaid, app, "ch-1")
			require.NoError(t, err)
		}

		n, err := reg.SetVersion(ctx, app, "ch-1", 9)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("wake-up candidates", func(t *testing.T) {
		ctx := testContext(t)
		reg := newRegistry(t)
		app := id("app")
		pendingUDP, ackedUDP, pendingWS := id("udp"), id("udp"), id("ws")

		_, err := reg.RegisterNode(ctx, pendingUDP, "server-1", udpDevice)
		require.NoError(t, err)
		_, err = reg.RegisterNode(ctx, ackedUDP, "server-1", udpDevice)
		require.NoError(t, err)
		_, err = reg.RegisterNode(ctx, pendingWS, "server-1", push.DeviceData{Protocol: push.TransportWebSocket})
		require.NoError(t, err)
		for _, uaid := range []string{pendingUDP, ackedUDP, pendingWS} {
			_, err := reg.SubscribeChannel(ctx, uaid, app, "ch-1")
			require.NoError(t, err)
		}
		_, err = reg.SetVersion(ctx, app, "ch-1", 1)
		require.NoError(t, err)
		_, err = reg.Acknowledge(ctx, ackedUDP, "ch-1", 1)
		require.NoError(t, err)

		candidates, err := reg.ListWakeupCandidates(ctx)
		require.NoError(t, err)
		ids := make(map[string]bool)
		for _, c := range candidates {
			ids[c.ID] = true
		}
		assert.True(t, ids[pendingUDP])
		assert.False(t, ids[ackedUDP], "acknowledged nodes are not candidates")
		assert.False(t, ids[pendingWS], "only UDP nodes are candidates")
	})

	t.Run("subscribers and unsubscribe", func(t *testing.T) {
		ctx := testContext(t)
		reg := newRegistry(t)
		app, other := id("app"), id("app")
		a, b := id("ua"), id("ua")

		_, err := reg.SubscribeChannel(ctx, a, app, "ch-1")
		require.NoError(t, err)
		_, err = reg.SubscribeChannel(ctx, a, other, "ch-2")
		require.NoError(t, err)
		_, err = reg.SubscribeChannel(ctx, b, app, "ch-1")
		require.NoError(t, err)

		nodes, err := reg.NodesForApp(ctx, app)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a, b}, nodeIDs(nodes))

		node, err := reg.UnsubscribeChannel(ctx, a, app)
		require.NoError(t, err)
		require.NotNil(t, node)
		require.Len(t, node.Channels, 1)
		assert.Equal(t, other, node.Channels[0].AppToken)

		nodes, err = reg.NodesForApp(ctx, app)
		require.NoError(t, err)
		assert.Equal(t, []string{b}, nodeIDs(nodes))

		// Removing the last subscriber leaves the node in place.
		_, err = reg.UnsubscribeChannel(ctx, b, app)
		require.NoError(t, err)
		nodes, err = reg.NodesForApp(ctx, app)
		require.NoError(t, err)
		assert.Empty(t, nodes)
		got, err := reg.GetNode(ctx, b)
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("rebuild application index", func(t *testing.T) {
		ctx := testContext(t)
		reg := newRegistry(t)
		app := id("app")
		uaid := id("ua")

		_, err := reg.SubscribeChannel(ctx, uaid, app, "ch-1")
		require.NoError(t, err)

		count, err := reg.RebuildAppIndex(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, count, 1)

		nodes, err := reg.NodesForApp(ctx, app)
		require.NoError(t, err)
		assert.Equal(t, []string{uaid}, nodeIDs(nodes))
	})
}

func nodeIDs(nodes []push.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
