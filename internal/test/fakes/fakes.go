// Package fakes provides in-memory test doubles (fakes) for the service's
// dependencies. These are used by the local run mode and in tests.
package fakes

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/willyaranda/notification-next/internal/broker"
	"github.com/willyaranda/notification-next/pkg/push"
)

const redeliveryAttempts = 3

// --- Broker ---

type memSubscriber struct {
	ctx     context.Context
	handler push.MessageHandler
}

type memQueue struct {
	groups  map[string][]memSubscriber
	next    map[string]int
	backlog [][]byte
}

// MemoryHub is an in-process message broker shared by MemoryEndpoints.
// Each consumer group on a queue receives every message once, delivered to
// one of the group's subscribers in turn. Messages published before any
// group exists are kept and handed to the first group.
type MemoryHub struct {
	mu        sync.Mutex
	queues    map[string]*memQueue
	published map[string][][]byte
	logger    zerolog.Logger
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub(logger zerolog.Logger) *MemoryHub {
	return &MemoryHub{
		queues:    make(map[string]*memQueue),
		published: make(map[string][][]byte),
		logger:    logger.With().Str("component", "MemoryHub").Logger(),
	}
}

func (h *MemoryHub) queue(name string) *memQueue {
	q, ok := h.queues[name]
	if !ok {
		q = &memQueue{groups: make(map[string][]memSubscriber), next: make(map[string]int)}
		h.queues[name] = q
	}
	return q
}

// Published returns a copy of every payload ever published to queue.
func (h *MemoryHub) Published(queue string) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.published[queue]))
	copy(out, h.published[queue])
	return out
}

func (h *MemoryHub) publish(queue string, data []byte) {
	h.mu.Lock()
	h.published[queue] = append(h.published[queue], data)
	q := h.queue(queue)
	if len(q.groups) == 0 {
		q.backlog = append(q.backlog, data)
		h.mu.Unlock()
		return
	}
	var targets []memSubscriber
	for group, subs := range q.groups {
		i := q.next[group] % len(subs)
		q.next[group]++
		targets = append(targets, subs[i])
	}
	h.mu.Unlock()

	for _, s := range targets {
		go h.deliver(s, queue, data)
	}
}

func (h *MemoryHub) subscribe(queue, group string, s memSubscriber) {
	h.mu.Lock()
	q := h.queue(queue)
	q.groups[group] = append(q.groups[group], s)
	backlog := q.backlog
	q.backlog = nil
	h.mu.Unlock()

	for _, data := range backlog {
		go h.deliver(s, queue, data)
	}
}

func (h *MemoryHub) deliver(s memSubscriber, queue string, data []byte) {
	for attempt := 1; attempt <= redeliveryAttempts; attempt++ {
		if s.ctx.Err() != nil {
			return
		}
		err := s.handler(s.ctx, data)
		if err == nil {
			return
		}
		h.logger.Warn().Err(err).Str("queue", queue).Int("attempt", attempt).Msg("Handler failed, redelivering")
		time.Sleep(10 * time.Millisecond)
	}
}

// MemoryEndpoint is a broker.Endpoint backed by a MemoryHub. ConnectErr
// makes Connect fail; Drop and Restore simulate connectivity changes.
type MemoryEndpoint struct {
	name       string
	hub        *MemoryHub
	ConnectErr error

	mu     sync.Mutex
	status broker.StatusFunc
	online bool
	closed bool
}

var _ broker.Endpoint = (*MemoryEndpoint)(nil)

// NewMemoryEndpoint creates an endpoint attached to hub.
func NewMemoryEndpoint(name string, hub *MemoryHub) *MemoryEndpoint {
	return &MemoryEndpoint{name: name, hub: hub}
}

func (e *MemoryEndpoint) Name() string { return e.name }

func (e *MemoryEndpoint) Connect(_ context.Context, status broker.StatusFunc) error {
	if e.ConnectErr != nil {
		return e.ConnectErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
	e.online = true
	return nil
}

func (e *MemoryEndpoint) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online && !e.closed
}

func (e *MemoryEndpoint) Publish(_ context.Context, queue string, data []byte) error {
	if !e.isOnline() {
		return push.ErrNotReady
	}
	e.hub.publish(queue, append([]byte(nil), data...))
	return nil
}

func (e *MemoryEndpoint) Subscribe(ctx context.Context, queue string, opts push.QueueOptions, handler push.MessageHandler) error {
	if !e.isOnline() {
		return push.ErrNotReady
	}
	e.hub.subscribe(queue, opts.Group, memSubscriber{ctx: ctx, handler: handler})
	return nil
}

func (e *MemoryEndpoint) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.online = false
	return nil
}

// Drop simulates a lost connection.
func (e *MemoryEndpoint) Drop() {
	e.setOnline(false)
}

// Restore simulates a reconnect.
func (e *MemoryEndpoint) Restore() {
	e.setOnline(true)
}

func (e *MemoryEndpoint) setOnline(online bool) {
	e.mu.Lock()
	e.online = online
	status := e.status
	e.mu.Unlock()
	if status != nil {
		status(online, nil)
	}
}

// --- Wake-up ---

// RecordingNotifier is a push.WakeupNotifier and push.NodeWaker that
// records what it was asked to do.
type RecordingNotifier struct {
	mu      sync.Mutex
	targets []push.WakeupTarget
	nodes   []string
	Err     error
}

func (n *RecordingNotifier) Wake(_ context.Context, target push.WakeupTarget) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, target)
	return n.Err
}

func (n *RecordingNotifier) WakeNode(_ context.Context, node push.Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes = append(n.nodes, node.ID)
	return n.Err
}

// Targets returns the addresses passed to Wake.
func (n *RecordingNotifier) Targets() []push.WakeupTarget {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]push.WakeupTarget(nil), n.targets...)
}

// WokenNodes returns the ids passed to WakeNode.
func (n *RecordingNotifier) WokenNodes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.nodes...)
}
