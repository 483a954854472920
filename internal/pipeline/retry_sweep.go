package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/willyaranda/notification-next/pkg/push"
)

// SweepResult summarises one retry pass.
type SweepResult struct {
	Candidates int
	Delivered  int
	Woken      int
	Skipped    int
	Failed     int
}

// RetrySweeper re-delivers every unacknowledged channel of every wake-up
// candidate.
type RetrySweeper func(ctx context.Context) (SweepResult, error)

// NewRetrySweeper builds the sweep stage. When waker is non-nil,
// Disconnected candidates are woken directly instead of being delivered to
// their last serving node.
func NewRetrySweeper(registry push.Registry, publisher push.Publisher, waker push.NodeWaker, logger zerolog.Logger) RetrySweeper {
	return func(ctx context.Context) (SweepResult, error) {
		var res SweepResult

		candidates, err := registry.ListWakeupCandidates(ctx)
		if err != nil {
			return res, fmt.Errorf("failed to list wake-up candidates: %w", err)
		}
		res.Candidates = len(candidates)

		for _, node := range candidates {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if node.ID == "" || node.ServingNodeID == "" {
				res.Skipped++
				logger.Warn().Str("uaid", node.ID).Str("serving_node", node.ServingNodeID).Msg("Candidate missing id or serving node, skipping")
				continue
			}

			if node.State == push.Disconnected && waker != nil {
				if err := waker.WakeNode(ctx, node); err != nil {
					res.Failed++
					logger.Error().Err(err).Str("uaid", node.ID).Msg("Direct wake-up failed")
					continue
				}
				res.Woken++
				continue
			}

			for _, ch := range node.PendingChannels() {
				delivery := push.Delivery{
					AgentID:    node.ID,
					DeviceData: node.DeviceData,
					Payload:    push.NewMessage{AppToken: ch.AppToken, Version: ch.Version},
				}
				if err := publisher.Publish(ctx, node.ServingNodeID, delivery); err != nil {
					res.Failed++
					logger.Error().Err(err).Str("uaid", node.ID).Str("channel", ch.ChannelID).Msg("Failed to re-publish delivery")
					continue
				}
				res.Delivered++
			}
		}
		return res, nil
	}
}
