// Package push contains the public domain models, interfaces, and service
// dependency definitions for the push routing core. It defines the contract
// between the registry, the broker and the routing engine.
package push

import "errors"

// NewMessagesQueue is the queue on which application-server notifications
// enter the routing engine.
const NewMessagesQueue = "newMessages"

var (
	// ErrNotReady is returned by any component operation invoked while its
	// backing connection is not established.
	ErrNotReady = errors.New("push: component not ready")

	// ErrInvalidMessage marks a new-message event that failed validation.
	// Such events are dropped and never retried.
	ErrInvalidMessage = errors.New("push: invalid message")
)

// ServiceDependencies holds all the external services the routing engine
// needs to operate. This struct is used for dependency injection.
type ServiceDependencies struct {
	// --- Storage ---
	Registry RegistryStore

	// --- Messaging ---
	Broker Broker

	// --- Wake-up ---
	// Operators resolves mobile network operators, usually through a cache.
	Operators OperatorLookup
	// Waker delivers out-of-band wake-ups to dormant nodes. Optional.
	Waker NodeWaker
}
