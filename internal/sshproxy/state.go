// state.go tracks the connection state of a Session.
//
// Every change is recorded in a ring buffer (50 entries) for the status
// endpoint, and registered callbacks run on each change.

package sshproxy

import (
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of the SSH session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns the human-readable name of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// MarshalText lets states render as names in JSON.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const stateTransitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// StateChangeCallback is called synchronously on every state change.
type StateChangeCallback func(from, to ConnectionState, reason string)

type stateTracker struct {
	mu          sync.RWMutex
	current     ConnectionState
	transitions [stateTransitionBufferSize]StateTransition
	head        int // next write position
	count       int
	callbacks   []StateChangeCallback
}

// set updates the state and records the transition. Setting the current
// state again is a no-op.
func (st *stateTracker) set(state ConnectionState, reason string) {
	st.mu.Lock()
	from := st.current
	if from == state {
		st.mu.Unlock()
		return
	}
	st.current = state
	st.transitions[st.head] = StateTransition{
		From:      from,
		To:        state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	st.head = (st.head + 1) % stateTransitionBufferSize
	if st.count < stateTransitionBufferSize {
		st.count++
	}

	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(from, state, reason)
	}
}

func (st *stateTracker) get() ConnectionState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// history returns transitions oldest first.
func (st *stateTracker) history() []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.count == 0 {
		return nil
	}
	result := make([]StateTransition, st.count)
	if st.count < stateTransitionBufferSize {
		copy(result, st.transitions[:st.count])
	} else {
		// Buffer is full, head is the oldest entry.
		n := copy(result, st.transitions[st.head:])
		copy(result[n:], st.transitions[:st.head])
	}
	return result
}

func (st *stateTracker) onChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	return s.state.get()
}

// Transitions returns up to the last 50 state changes, oldest first.
func (s *Session) Transitions() []StateTransition {
	return s.state.history()
}

// OnStateChange registers a callback invoked on every state change.
// Callbacks run synchronously and must not block.
func (s *Session) OnStateChange(cb StateChangeCallback) {
	s.state.onChange(cb)
}
