// Package routingservice wires the routing engine: it waits for the registry
// and the broker, consumes new-message events, fans them out to serving
// nodes and periodically re-delivers unacknowledged channels.
package routingservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/willyaranda/notification-next/internal/pipeline"
	"github.com/willyaranda/notification-next/pkg/push"
	"github.com/willyaranda/notification-next/routingservice/config"
)

// ConsumerGroup is the group under which every monitor instance shares the
// newMessages queue.
const ConsumerGroup = "monitor"

// State is the monitor lifecycle position.
type State int32

const (
	StateInitializing State = iota
	StateWaitingForDependencies
	StateReady
	StateClosing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateWaitingForDependencies:
		return "waiting-for-dependencies"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// connectivityNotifier is implemented by brokers that report pool-level
// connectivity transitions, such as *broker.Pool.
type connectivityNotifier interface {
	OnStateChange(fn func(connected bool))
}

// Monitor is the routing engine service.
type Monitor struct {
	cfg     config.MonitorConfig
	deps    *push.ServiceDependencies
	process pipeline.RoutingProcessor
	sweep   pipeline.RetrySweeper
	logger  zerolog.Logger

	state         atomic.Int32
	brokerOutages atomic.Int64
	runCtx        context.Context
	cancel        context.CancelFunc
	done          chan struct{}
	started       atomic.Bool
	stopOnce      sync.Once
	stopErr       error
}

// New creates the monitor. Direct wake-up of Disconnected candidates is only
// used when enabled in cfg and dependencies carry a waker.
func New(cfg config.MonitorConfig, deps *push.ServiceDependencies, logger zerolog.Logger) (*Monitor, error) {
	if deps == nil || deps.Registry == nil {
		return nil, fmt.Errorf("monitor requires a registry")
	}
	if deps.Broker == nil {
		return nil, fmt.Errorf("monitor requires a broker")
	}

	var waker push.NodeWaker
	if cfg.DirectWakeup {
		if deps.Waker == nil {
			return nil, fmt.Errorf("direct wake-up enabled but no waker configured")
		}
		waker = deps.Waker
	}

	logger = logger.With().Str("component", "Monitor").Logger()
	runCtx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		cfg:     cfg,
		deps:    deps,
		process: pipeline.NewRoutingProcessor(deps.Registry, deps.Broker, logger),
		sweep:   pipeline.NewRetrySweeper(deps.Registry, deps.Broker, waker, logger),
		logger:  logger,
		runCtx:  runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.state.Store(int32(StateInitializing))
	if n, ok := deps.Broker.(connectivityNotifier); ok {
		n.OnStateChange(m.brokerStateChanged)
	}
	return m, nil
}

// brokerStateChanged runs on the broker's goroutine for every pool-level
// transition.
func (m *Monitor) brokerStateChanged(connected bool) {
	if connected {
		m.logger.Info().Msg("Broker connection available")
		return
	}
	m.brokerOutages.Add(1)
	m.logger.Error().Msg("All broker endpoints lost, waiting for one to come back")
}

// BrokerOutages returns how many times the broker lost every endpoint.
func (m *Monitor) BrokerOutages() int64 {
	return m.brokerOutages.Load()
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
	m.logger.Info().Str("state", s.String()).Msg("Monitor state changed")
}

// Start opens the registry, connects the broker and waits for both. If they
// are not ready within the configured timeout it returns push.ErrNotReady.
// Once ready it consumes newMessages and runs the retry sweep until ctx is
// cancelled or Shutdown is called.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("monitor already started")
	}
	defer close(m.done)

	runCtx, cancel := context.WithCancel(m.runCtx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	m.setState(StateWaitingForDependencies)
	if err := m.waitForDependencies(runCtx); err != nil {
		return err
	}

	if err := m.deps.Broker.Subscribe(runCtx, push.NewMessagesQueue, push.DefaultQueueOptions(ConsumerGroup), m.HandleNewMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", push.NewMessagesQueue, err)
	}
	m.setState(StateReady)

	m.run(runCtx)
	return nil
}

func (m *Monitor) waitForDependencies(ctx context.Context) error {
	if err := m.deps.Registry.Open(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Registry failed to open")
		return fmt.Errorf("%w: registry: %v", push.ErrNotReady, err)
	}
	brokerReady := m.deps.Broker.Connect(ctx)
	registryReady := m.deps.Registry.Ready()
	brokerLost := m.deps.Broker.Lost()

	timer := time.NewTimer(m.cfg.ReadyTimeout)
	defer timer.Stop()

	for brokerReady != nil || registryReady != nil {
		select {
		case <-brokerReady:
			m.logger.Info().Msg("Broker ready")
			brokerReady = nil
			brokerLost = nil
		case <-registryReady:
			m.logger.Info().Msg("Registry ready")
			registryReady = nil
		case <-brokerLost:
			m.logger.Error().Msg("No broker endpoint could connect")
			return fmt.Errorf("%w: no broker endpoint could connect", push.ErrNotReady)
		case <-timer.C:
			m.logger.Error().Dur("timeout", m.cfg.ReadyTimeout).
				Bool("broker_ready", brokerReady == nil).
				Bool("registry_ready", registryReady == nil).
				Msg("Dependencies not ready in time")
			return fmt.Errorf("%w: dependencies not ready after %s", push.ErrNotReady, m.cfg.ReadyTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// run drives the retry ticker and logs registry connectivity changes until
// ctx ends. Broker transitions arrive through brokerStateChanged.
func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.RetryInterval)
	defer ticker.Stop()

	registryLost := m.deps.Registry.Lost()
	var registryBack <-chan struct{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		case <-registryLost:
			m.logger.Error().Msg("Registry connection lost, waiting for it to come back")
			registryLost, registryBack = nil, m.deps.Registry.Ready()
		case <-registryBack:
			m.logger.Info().Msg("Registry connection restored")
			registryBack, registryLost = nil, m.deps.Registry.Lost()
		}
	}
}

// Sweep runs one retry pass.
func (m *Monitor) Sweep(ctx context.Context) {
	res, err := m.sweep(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Error().Err(err).Msg("Retry sweep failed")
		}
		return
	}
	m.logger.Info().
		Int("candidates", res.Candidates).
		Int("delivered", res.Delivered).
		Int("woken", res.Woken).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("Retry sweep complete")
}

// HandleNewMessage is the newMessages consumer. Invalid events are logged
// and acknowledged; routing failures are returned for redelivery.
func (m *Monitor) HandleNewMessage(ctx context.Context, data []byte) error {
	msg, err := pipeline.NewMessageTransformer(data)
	if err != nil {
		m.logger.Warn().Err(err).Str("payload", string(data)).Msg("Dropping invalid new message")
		return nil
	}
	return m.process(ctx, *msg)
}

// Shutdown stops the ticker and consumers, then closes the broker and the
// registry within the grace window. It is safe to call more than once.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.setState(StateClosing)
		m.cancel()

		graceCtx, cancel := context.WithTimeout(ctx, m.cfg.GraceWindow)
		defer cancel()

		if m.started.Load() {
			select {
			case <-m.done:
			case <-graceCtx.Done():
				m.logger.Warn().Msg("Monitor loop did not stop within the grace window")
			}
		}

		var errs []error
		if err := m.deps.Broker.Close(graceCtx); err != nil {
			m.logger.Error().Err(err).Msg("Broker close failed")
			errs = append(errs, err)
		}
		if err := m.deps.Registry.Close(graceCtx); err != nil {
			m.logger.Error().Err(err).Msg("Registry close failed")
			errs = append(errs, err)
		}
		m.stopErr = errors.Join(errs...)
		m.setState(StateStopped)
	})
	return m.stopErr
}
