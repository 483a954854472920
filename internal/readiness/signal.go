// Package readiness provides a broadcast connectivity signal shared by the
// components that hold a connection (registry stores, broker endpoints).
package readiness

import "sync"

// Signal tracks a connected/disconnected state as a sequence of
// generations. Ready returns a channel closed when the component is
// connected; Lost returns a channel closed when a connected component
// drops, or when it gives up before ever connecting. Each transition
// starts a new generation, so waiters observe exactly one edge.
type Signal struct {
	mu        sync.Mutex
	connected bool
	ready     chan struct{}
	lost      chan struct{}
	lostFired bool
	listeners []func(connected bool)
}

// New returns a signal in the not-connected state.
func New() *Signal {
	return &Signal{
		ready: make(chan struct{}),
		lost:  make(chan struct{}),
	}
}

// Ready returns a channel closed once the component is connected.
func (s *Signal) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Lost returns a channel closed once the component is lost.
func (s *Signal) Lost() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// IsReady reports the current state.
func (s *Signal) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// OnChange registers a callback invoked on every transition. Callbacks run
// synchronously and must not call back into the signal.
func (s *Signal) OnChange(fn func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// SetReady marks the component connected. It is a no-op when already
// connected.
func (s *Signal) SetReady() {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = true
	close(s.ready)
	if s.lostFired {
		s.lost = make(chan struct{})
		s.lostFired = false
	}
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(true)
	}
}

// SetLost marks the component as lost. It is a no-op when the current
// generation has already been reported lost.
func (s *Signal) SetLost() {
	s.mu.Lock()
	if s.lostFired {
		s.mu.Unlock()
		return
	}
	wasConnected := s.connected
	s.connected = false
	s.lostFired = true
	close(s.lost)
	if wasConnected {
		s.ready = make(chan struct{})
	}
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(false)
	}
}

// Reset returns a signal that was lost before ever connecting to the
// pending state, so a later Lost can fire again.
func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lostFired && !s.connected {
		s.lost = make(chan struct{})
		s.lostFired = false
	}
}
