// Package ingest is the entry point for application-server notifications:
// it validates a new-version event and hands it to the broker on the
// newMessages queue, where the routing engine picks it up.
package ingest

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/willyaranda/notification-next/pkg/push"
)

// Producer publishes new-message events.
type Producer struct {
	publisher push.Publisher
	logger    zerolog.Logger
}

// NewProducer creates a producer over any broker publisher.
func NewProducer(publisher push.Publisher, logger zerolog.Logger) *Producer {
	return &Producer{
		publisher: publisher,
		logger:    logger.With().Str("component", "IngestProducer").Logger(),
	}
}

// Publish validates msg and sends it to push.NewMessagesQueue. Invalid
// messages are rejected with push.ErrInvalidMessage and never reach the
// broker.
func (p *Producer) Publish(ctx context.Context, msg push.NewMessage) error {
	if err := msg.Validate(); err != nil {
		p.logger.Warn().Err(err).Str("app", msg.AppToken).Msg("Rejected new message")
		return err
	}
	if err := p.publisher.Publish(ctx, push.NewMessagesQueue, msg); err != nil {
		return fmt.Errorf("failed to publish new message for app %s: %w", msg.AppToken, err)
	}
	p.logger.Debug().Str("app", msg.AppToken).Int64("version", msg.Version).Msg("New message published")
	return nil
}
