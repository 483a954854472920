package readiness_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/willyaranda/notification-next/internal/readiness"
)

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestSignal_Generations(t *testing.T) {
	s := readiness.New()
	var transitions []bool
	s.OnChange(func(connected bool) { transitions = append(transitions, connected) })

	firstReady := s.Ready()
	firstLost := s.Lost()
	assert.False(t, isClosed(firstReady))
	assert.False(t, s.IsReady())

	s.SetReady()
	s.SetReady()
	assert.True(t, isClosed(firstReady))
	assert.False(t, isClosed(firstLost))
	assert.True(t, s.IsReady())

	s.SetLost()
	s.SetLost()
	assert.True(t, isClosed(firstLost))
	assert.False(t, isClosed(s.Ready()), "a lost component starts a new ready generation")
	assert.False(t, s.IsReady())

	s.SetReady()
	assert.True(t, isClosed(s.Ready()))
	assert.False(t, isClosed(s.Lost()), "a reconnected component starts a new lost generation")

	assert.Equal(t, []bool{true, false, true}, transitions)
}

func TestSignal_LostBeforeReady(t *testing.T) {
	s := readiness.New()
	s.SetLost()
	assert.True(t, isClosed(s.Lost()))
	assert.False(t, isClosed(s.Ready()))

	s.Reset()
	assert.False(t, isClosed(s.Lost()))

	s.SetReady()
	assert.True(t, isClosed(s.Ready()))
}
