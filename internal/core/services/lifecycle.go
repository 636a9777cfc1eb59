package services

import (
	"sync"

	"talkpair/internal/core/domain"
)

// ConnectionLifecycle owns the externally visible ConnectionState. Connected
// and Disconnected can only be reached through Observe.
type ConnectionLifecycle struct {
	mu          sync.RWMutex
	state       domain.ConnectionState
	subscribers map[chan domain.ConnectionState]struct{}
}

func NewConnectionLifecycle() *ConnectionLifecycle {
	return &ConnectionLifecycle{
		state:       domain.StateIdle,
		subscribers: make(map[chan domain.ConnectionState]struct{}),
	}
}

// MapConnectivity translates a media engine signal. ok is false for signals
// that must not change the visible state.
func MapConnectivity(signal domain.ConnectivitySignal) (state domain.ConnectionState, ok bool) {
	switch signal {
	case domain.ConnectivityConnected, domain.ConnectivityCompleted:
		return domain.StateConnected, true
	case domain.ConnectivityDisconnected, domain.ConnectivityFailed, domain.ConnectivityClosed:
		return domain.StateDisconnected, true
	default:
		return "", false
	}
}

// Observe feeds a raw connectivity signal and reports whether the state changed.
func (l *ConnectionLifecycle) Observe(signal domain.ConnectivitySignal) bool {
	state, ok := MapConnectivity(signal)
	if !ok {
		return false
	}
	return l.set(state)
}

func (l *ConnectionLifecycle) MarkSearching() bool  { return l.set(domain.StateSearching) }
func (l *ConnectionLifecycle) MarkConnecting() bool { return l.set(domain.StateConnecting) }
func (l *ConnectionLifecycle) MarkFailed() bool     { return l.set(domain.StateFailed) }

// Reset returns to Idle without notifying; teardown already reported Disconnected.
func (l *ConnectionLifecycle) Reset() {
	l.mu.Lock()
	l.state = domain.StateIdle
	l.mu.Unlock()
}

func (l *ConnectionLifecycle) State() domain.ConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Subscribe returns a channel of state changes. A subscriber that falls
// behind only sees the latest state. The returned func unsubscribes.
func (l *ConnectionLifecycle) Subscribe() (<-chan domain.ConnectionState, func()) {
	ch := make(chan domain.ConnectionState, 1)

	l.mu.Lock()
	l.subscribers[ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subscribers, ch)
			l.mu.Unlock()
			close(ch)
		})
	}
}

func (l *ConnectionLifecycle) set(state domain.ConnectionState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == state {
		return false
	}
	l.state = state

	for ch := range l.subscribers {
		select {
		case ch <- state:
		default:
			// drop the stale value and keep the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
	return true
}

// StatusText is the human readable line shown for a state.
func StatusText(state domain.ConnectionState, role domain.Role) string {
	switch state {
	case domain.StateSearching:
		return "Searching..."
	case domain.StateConnecting:
		if role == domain.RoleCaller {
			return "Waiting for partner..."
		}
		return "Connecting..."
	case domain.StateConnected:
		return "Connected"
	case domain.StateDisconnected:
		return "Disconnected"
	case domain.StateFailed:
		return "Failed to connect"
	default:
		return "Idle"
	}
}
