package push

import "context"

// Registry is the persistent mapping of agents to serving nodes, device data
// and channel subscriptions. Not-found results are reported as nil values or
// zero counts, never as errors.
type Registry interface {
	// RegisterNode upserts the node as Connected on servingNodeID.
	RegisterNode(ctx context.Context, agentID, servingNodeID string, dt DeviceData) (*Node, error)
	// UnregisterNode moves an existing node to newState.
	UnregisterNode(ctx context.Context, agentID string, newState ConnectionState, servingNodeID string) (*Node, error)
	GetNode(ctx context.Context, agentID string) (*Node, error)
	// SubscribeChannel adds (appToken, channelID) to the node's set, creating the node if needed.
	SubscribeChannel(ctx context.Context, agentID, appToken, channelID string) (*Node, error)
	// UnsubscribeChannel removes every entry for appToken from the node.
	UnsubscribeChannel(ctx context.Context, agentID, appToken string) (*Node, error)
	// SetVersion records version on every node holding (appToken, channelID)
	// and returns how many nodes matched.
	SetVersion(ctx context.Context, appToken, channelID string, version int64) (int64, error)
	// Acknowledge clears the pending flag of the node's channel entry.
	Acknowledge(ctx context.Context, agentID, channelID string, version int64) (int64, error)
	// ListWakeupCandidates returns UDP nodes with at least one pending channel.
	ListWakeupCandidates(ctx context.Context) ([]Node, error)
	// NodesForApp resolves every node subscribed to appToken.
	NodesForApp(ctx context.Context, appToken string) ([]Node, error)
	OperatorLookup
}

// OperatorLookup resolves a mobile network operator. A nil operator with a
// nil error means the network is unknown.
type OperatorLookup interface {
	GetOperator(ctx context.Context, mcc, mnc string) (*Operator, error)
}

// Lifecycle is implemented by components holding a connection: Ready closes
// once the component is usable, Lost closes when it stops being usable
// outside a controlled Close.
type Lifecycle interface {
	Ready() <-chan struct{}
	Lost() <-chan struct{}
	Close(ctx context.Context) error
}

// RegistryStore is a Registry with an explicit connection lifecycle.
type RegistryStore interface {
	Registry
	Lifecycle
	Open(ctx context.Context) error
	// RebuildAppIndex recomputes the derived application index from the
	// node collection and returns the number of applications indexed.
	RebuildAppIndex(ctx context.Context) (int, error)
}

// MessageHandler consumes one broker message. Returning an error leaves the
// message unacknowledged so the broker can redeliver it.
type MessageHandler func(ctx context.Context, data []byte) error

// QueueOptions describe the queue declared by a subscription.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Replicated bool
	// Group is the consumer group sharing the queue.
	Group string
}

// DefaultQueueOptions returns a durable, non-auto-delete, replicated queue.
func DefaultQueueOptions(group string) QueueOptions {
	return QueueOptions{Durable: true, AutoDelete: false, Replicated: true, Group: group}
}

// Publisher sends a payload to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}

// Broker is the publish/subscribe abstraction used by the routing engine.
type Broker interface {
	Publisher
	Lifecycle
	Connect(ctx context.Context) <-chan struct{}
	Subscribe(ctx context.Context, queue string, opts QueueOptions, handler MessageHandler) error
}

// WakeupNotifier sends a single wake-up signal to a device address.
type WakeupNotifier interface {
	Wake(ctx context.Context, target WakeupTarget) error
}

// NodeWaker wakes a dormant node, choosing how to reach it from its device
// data.
type NodeWaker interface {
	WakeNode(ctx context.Context, node Node) error
}
