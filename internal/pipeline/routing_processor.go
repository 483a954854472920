// Package pipeline holds the routing engine's message processing stages:
// decoding new-message events, fanning them out to serving nodes, and
// sweeping unacknowledged channels.
package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/willyaranda/notification-next/pkg/push"
)

// RoutingProcessor handles one validated new-message event.
type RoutingProcessor func(ctx context.Context, msg push.NewMessage) error

// NewRoutingProcessor builds the fan-out stage. It records the version on
// every subscriber's channel, then publishes a delivery to the serving node
// of every subscriber that is not Disconnected. A failed publish to one node
// is logged and does not stop the others; registry failures are returned so
// the event is redelivered.
func NewRoutingProcessor(registry push.Registry, publisher push.Publisher, logger zerolog.Logger) RoutingProcessor {
	return func(ctx context.Context, msg push.NewMessage) error {
		procLogger := logger.With().
			Str("app", msg.AppToken).
			Int64("version", msg.Version).
			Logger()

		nodes, err := registry.NodesForApp(ctx, msg.AppToken)
		if err != nil {
			return fmt.Errorf("failed to resolve subscribers of %s: %w", msg.AppToken, err)
		}
		if len(nodes) == 0 {
			procLogger.Debug().Msg("No subscribers for application")
			return nil
		}

		for _, channelID := range channelsOf(nodes, msg.AppToken) {
			matched, err := registry.SetVersion(ctx, msg.AppToken, channelID, msg.Version)
			if err != nil {
				return fmt.Errorf("failed to record version on channel %s: %w", channelID, err)
			}
			if matched == 0 {
				procLogger.Debug().Str("channel", channelID).Msg("Version not newer than stored, nothing updated")
			}
		}

		var sent, failed int
		for _, node := range nodes {
			if node.State == push.Disconnected {
				procLogger.Debug().Str("uaid", node.ID).Msg("Node disconnected, left to the retry sweep")
				continue
			}
			if node.ServingNodeID == "" {
				procLogger.Warn().Str("uaid", node.ID).Msg("Node has no serving node, skipping")
				continue
			}
			delivery := push.Delivery{AgentID: node.ID, DeviceData: node.DeviceData, Payload: msg}
			if err := publisher.Publish(ctx, node.ServingNodeID, delivery); err != nil {
				failed++
				procLogger.Error().Err(err).Str("uaid", node.ID).Str("serving_node", node.ServingNodeID).Msg("Failed to publish delivery")
				continue
			}
			sent++
		}

		procLogger.Info().Int("subscribers", len(nodes)).Int("sent", sent).Int("failed", failed).Msg("Message routed")
		return nil
	}
}

// channelsOf returns the distinct channel ids the nodes hold for appToken,
// in first-seen order.
func channelsOf(nodes []push.Node, appToken string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, n := range nodes {
		for _, c := range n.Channels {
			if c.AppToken != appToken {
				continue
			}
			if _, ok := seen[c.ChannelID]; ok {
				continue
			}
			seen[c.ChannelID] = struct{}{}
			out = append(out, c.ChannelID)
		}
	}
	return out
}
