// Package broker implements the multi-endpoint publish/subscribe pool used by
// the routing engine, and defines the contract each transport endpoint meets.
package broker

import (
	"context"

	"github.com/willyaranda/notification-next/pkg/push"
)

// StatusFunc is called by an endpoint whenever its connection drops
// (connected=false) or is restored (connected=true) after Connect returned.
type StatusFunc func(connected bool, err error)

// Endpoint is a single broker connection.
type Endpoint interface {
	// Name identifies the endpoint in logs.
	Name() string

	// Connect establishes the connection. It returns when the endpoint is
	// usable or has failed. Later connectivity changes are reported
	// through status.
	Connect(ctx context.Context, status StatusFunc) error

	// Publish sends an already encoded payload to queue.
	Publish(ctx context.Context, queue string, data []byte) error

	// Subscribe declares queue with opts and starts delivering its messages
	// to handler. It must not block on consumption. Endpoints keep their
	// subscriptions across their own reconnects.
	Subscribe(ctx context.Context, queue string, opts push.QueueOptions, handler push.MessageHandler) error

	// Close releases the connection. Close must be safe to call more than
	// once.
	Close(ctx context.Context) error
}

// State is the pool-side view of an endpoint.
type State int

const (
	// StatePending covers an endpoint that is still connecting.
	StatePending State = iota
	StateConnected
	StateError
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
