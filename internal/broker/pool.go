package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/willyaranda/notification-next/internal/readiness"
	"github.com/willyaranda/notification-next/pkg/push"
)

type member struct {
	ep         Endpoint
	state      State
	subscribed map[string]bool
}

type subscription struct {
	ctx     context.Context
	queue   string
	opts    push.QueueOptions
	handler push.MessageHandler
}

// Pool fans publish and subscribe calls out over a set of endpoints. It is
// ready while at least one endpoint is connected and lost once none is
// connected and none is still connecting.
type Pool struct {
	members []*member
	signal  *readiness.Signal
	logger  zerolog.Logger

	mu   sync.Mutex
	subs []subscription

	next      atomic.Uint64
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewPool creates a pool over endpoints. Nothing is connected until Connect.
func NewPool(endpoints []Endpoint, logger zerolog.Logger) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("broker pool requires at least one endpoint")
	}
	members := make([]*member, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep == nil {
			return nil, fmt.Errorf("broker endpoint cannot be nil")
		}
		members = append(members, &member{ep: ep, state: StatePending, subscribed: make(map[string]bool)})
	}
	return &Pool{
		members: members,
		signal:  readiness.New(),
		logger:  logger.With().Str("component", "BrokerPool").Logger(),
	}, nil
}

// Connect starts connecting every endpoint in parallel and returns the
// readiness channel immediately.
func (p *Pool) Connect(ctx context.Context) <-chan struct{} {
	ready := p.signal.Ready()
	go func() {
		var g errgroup.Group
		for _, m := range p.members {
			g.Go(func() error {
				return p.connectMember(ctx, m)
			})
		}
		if err := g.Wait(); err != nil && !p.signal.IsReady() {
			p.logger.Error().Err(err).Msg("No broker endpoint could be connected")
		}
	}()
	return ready
}

func (p *Pool) connectMember(ctx context.Context, m *member) error {
	name := m.ep.Name()
	p.logger.Info().Str("endpoint", name).Msg("Connecting to broker endpoint")

	err := m.ep.Connect(ctx, func(connected bool, err error) {
		if connected {
			p.logger.Info().Str("endpoint", name).Msg("Broker endpoint reconnected")
			p.setState(m, StateConnected)
			return
		}
		p.logger.Error().Err(err).Str("endpoint", name).Msg("Broker endpoint connection lost")
		p.setState(m, StateDisconnected)
	})
	if err != nil {
		p.logger.Error().Err(err).Str("endpoint", name).Msg("Broker endpoint failed to connect")
		p.setState(m, StateError)
		return fmt.Errorf("endpoint %s: %w", name, err)
	}

	p.logger.Info().Str("endpoint", name).Msg("Broker endpoint connected")
	p.setState(m, StateConnected)
	return nil
}

func (p *Pool) setState(m *member, state State) {
	if p.closing.Load() {
		return
	}

	p.mu.Lock()
	m.state = state
	connected, pending := 0, 0
	for _, other := range p.members {
		switch other.state {
		case StateConnected:
			connected++
		case StatePending:
			pending++
		}
	}
	var replay []subscription
	if state == StateConnected {
		for _, s := range p.subs {
			if !m.subscribed[s.queue] {
				replay = append(replay, s)
			}
		}
	}
	p.mu.Unlock()

	switch {
	case connected > 0:
		p.signal.SetReady()
	case pending == 0:
		p.logger.Error().Msg("All broker endpoints are disconnected")
		p.signal.SetLost()
	}

	for _, s := range replay {
		if err := p.subscribeMember(s, m); err != nil {
			p.logger.Error().Err(err).Str("endpoint", m.ep.Name()).Str("queue", s.queue).
				Msg("Failed to replay subscription on broker endpoint")
		}
	}
}

// Ready returns a channel closed once at least one endpoint is connected.
func (p *Pool) Ready() <-chan struct{} {
	return p.signal.Ready()
}

// Lost returns a channel closed once the last usable endpoint is gone.
func (p *Pool) Lost() <-chan struct{} {
	return p.signal.Lost()
}

// OnStateChange registers a callback for pool-level connectivity changes.
func (p *Pool) OnStateChange(fn func(connected bool)) {
	p.signal.OnChange(fn)
}

// States returns a snapshot of every endpoint's state keyed by name.
func (p *Pool) States() map[string]State {
	p.mu.Lock()
	defer p.mu.Unlock()
	states := make(map[string]State, len(p.members))
	for _, m := range p.members {
		states[m.ep.Name()] = m.state
	}
	return states
}

func (p *Pool) connected() []*member {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*member
	for _, m := range p.members {
		if m.state == StateConnected {
			out = append(out, m)
		}
	}
	return out
}

// Publish encodes payload as JSON (raw bytes are sent as is) and sends it
// to queue through exactly one connected endpoint, trying the next one
// when an endpoint fails.
func (p *Pool) Publish(ctx context.Context, queue string, payload any) error {
	if p.closing.Load() {
		return push.ErrNotReady
	}

	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload for queue %s: %w", queue, err)
		}
		data = encoded
	}

	candidates := p.connected()
	if len(candidates) == 0 {
		return push.ErrNotReady
	}

	start := int(p.next.Add(1) - 1)
	var lastErr error
	for i := range candidates {
		m := candidates[(start+i)%len(candidates)]
		if err := m.ep.Publish(ctx, queue, data); err != nil {
			p.logger.Warn().Err(err).Str("endpoint", m.ep.Name()).Str("queue", queue).
				Msg("Publish failed, trying next endpoint")
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("publish to %s failed on every endpoint: %w", queue, lastErr)
}

// Subscribe declares queue on every connected endpoint and on any endpoint
// that connects later. Consumption stops when ctx is cancelled.
func (p *Pool) Subscribe(ctx context.Context, queue string, opts push.QueueOptions, handler push.MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("subscription to %s requires a handler", queue)
	}
	s := subscription{ctx: ctx, queue: queue, opts: opts, handler: handler}

	p.mu.Lock()
	p.subs = append(p.subs, s)
	p.mu.Unlock()

	candidates := p.connected()
	var errs []error
	for _, m := range candidates {
		if err := p.subscribeMember(s, m); err != nil {
			p.logger.Error().Err(err).Str("endpoint", m.ep.Name()).Str("queue", queue).Msg("Failed to subscribe")
			errs = append(errs, err)
		}
	}
	if len(candidates) > 0 && len(errs) == len(candidates) {
		return fmt.Errorf("failed to subscribe to %s on any endpoint: %w", queue, errors.Join(errs...))
	}
	return nil
}

func (p *Pool) subscribeMember(s subscription, m *member) error {
	p.mu.Lock()
	if m.subscribed[s.queue] {
		p.mu.Unlock()
		return nil
	}
	m.subscribed[s.queue] = true
	p.mu.Unlock()

	if err := m.ep.Subscribe(s.ctx, s.queue, s.opts, s.handler); err != nil {
		p.mu.Lock()
		delete(m.subscribed, s.queue)
		p.mu.Unlock()
		return err
	}
	p.logger.Info().Str("endpoint", m.ep.Name()).Str("queue", s.queue).Msg("Subscribed to queue")
	return nil
}

// Close closes every endpoint. It is idempotent and never raises Lost.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		p.logger.Info().Msg("Closing broker pool")

		var mu sync.Mutex
		var errs []error
		var g errgroup.Group
		for _, m := range p.members {
			g.Go(func() error {
				if err := m.ep.Close(ctx); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("endpoint %s: %w", m.ep.Name(), err))
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
