package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/willyaranda/notification-next/pkg/push"
)

// NewMessageTransformer decodes a raw newMessages payload into a validated
// push.NewMessage. Every failure wraps push.ErrInvalidMessage so the caller
// drops the event instead of asking for redelivery.
func NewMessageTransformer(data []byte) (*push.NewMessage, error) {
	var msg push.NewMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", push.ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
