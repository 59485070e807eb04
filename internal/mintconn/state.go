// Package mintconn manages the pool to mint link: the connection state
// machine, the pool-side client that forwards hub requests to the mint, and the
// mint-side server that turns request frames into issued quotes.
package mintconn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bardlex/ehashpool/pkg/log"
)

// ConnectionState is the lifecycle state of one pool to mint transport
type ConnectionState int

// Connection states
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateSetupInProgress
	StateReady
	StateError
)

// String returns the state name
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSetupInProgress:
		return "setup_in_progress"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrIllegalTransition is matched by every TransitionError
var ErrIllegalTransition = errors.New("illegal connection state transition")

// TransitionError describes a rejected transition
type TransitionError struct {
	Event string
	From  ConnectionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot apply %s in state %s", e.Event, e.From)
}

// Unwrap lets errors.Is match ErrIllegalTransition
func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// StateMachine guards a ConnectionState. Rejected transitions leave the state
// untouched.
type StateMachine struct {
	mu       sync.RWMutex
	state    ConnectionState
	errorMsg string
	logger   *log.Logger
}

// NewStateMachine starts in StateDisconnected. logger may be nil.
func NewStateMachine(logger *log.Logger) *StateMachine {
	if logger == nil {
		logger = log.Nop()
	}
	return &StateMachine{state: StateDisconnected, logger: logger}
}

func (m *StateMachine) transition(event string, from, to ConnectionState) error {
	m.mu.Lock()
	if m.state != from {
		current := m.state
		m.mu.Unlock()
		return &TransitionError{Event: event, From: current}
	}
	m.state = to
	m.mu.Unlock()

	m.logger.LogStateTransition(from.String(), to.String())
	return nil
}

// TCPConnected moves Disconnected to Connecting
func (m *StateMachine) TCPConnected() error {
	return m.transition("tcp_connected", StateDisconnected, StateConnecting)
}

// NoiseHandshakeComplete moves Connecting to SetupInProgress
func (m *StateMachine) NoiseHandshakeComplete() error {
	return m.transition("noise_handshake_complete", StateConnecting, StateSetupInProgress)
}

// SetupConnectionAccepted moves SetupInProgress to Ready
func (m *StateMachine) SetupConnectionAccepted() error {
	return m.transition("setup_connection_accepted", StateSetupInProgress, StateReady)
}

// Error moves any state to Error and keeps msg
func (m *StateMachine) Error(msg string) {
	m.mu.Lock()
	from := m.state
	m.state = StateError
	m.errorMsg = msg
	m.mu.Unlock()

	m.logger.WithFields("reason", msg).LogStateTransition(from.String(), StateError.String())
}

// Reset moves any state back to Disconnected
func (m *StateMachine) Reset() {
	m.mu.Lock()
	from := m.state
	m.state = StateDisconnected
	m.errorMsg = ""
	m.mu.Unlock()

	if from != StateDisconnected {
		m.logger.LogStateTransition(from.String(), StateDisconnected.String())
	}
}

// State returns the current state
func (m *StateMachine) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ErrorMessage returns the message recorded by the last Error call
func (m *StateMachine) ErrorMessage() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errorMsg
}

// IsReady reports whether the connection can carry quote traffic
func (m *StateMachine) IsReady() bool {
	return m.State() == StateReady
}

// IsRecoverableError reports whether the caller may Reset and reconnect
func (m *StateMachine) IsRecoverableError() bool {
	return m.State() == StateError
}
