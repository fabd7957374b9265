// Package session implements PortSessionController (spec.md §4.5): the
// component that binds a Transport to an optional ReliableChannel, and
// ApplicationState, the transition-table-guarded lifecycle state spec.md §3
// describes (grounded on original_source/Common/StateManager.h).
package session

import (
	"sync"

	"github.com/pkg/errors"
)

// ApplicationState enumerates the session lifecycle (spec.md §3).
type ApplicationState int

const (
	Initializing ApplicationState = iota
	Ready
	Connecting
	Connected
	Transmitting
	Paused
	Disconnecting
	Error
	Shutdown
)

func (s ApplicationState) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Ready:
		return "Ready"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Transmitting:
		return "Transmitting"
	case Paused:
		return "Paused"
	case Disconnecting:
		return "Disconnecting"
	case Error:
		return "Error"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// transitions is the explicit table StateManager.h enforces: any move not
// listed here is rejected. Error is entered from any non-terminal state
// through forceError; Shutdown is reachable only from Ready, Disconnecting
// and Error, so a connected session disconnects before it shuts down.
var transitions = map[ApplicationState][]ApplicationState{
	Initializing:  {Ready, Error},
	Ready:         {Connecting, Shutdown},
	Connecting:    {Connected, Error, Disconnecting},
	Connected:     {Transmitting, Disconnecting, Error},
	Transmitting:  {Paused, Connected, Disconnecting, Error},
	Paused:        {Transmitting, Disconnecting, Error},
	Disconnecting: {Ready, Error, Shutdown},
	Error:         {Ready, Disconnecting, Shutdown},
	Shutdown:      {},
}

// stateMachine is an embeddable, mutex-guarded ApplicationState with
// transition-table enforcement. PortSessionController embeds one.
type stateMachine struct {
	mu    sync.Mutex
	state ApplicationState
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: Initializing}
}

// State returns the current state.
func (m *stateMachine) State() ApplicationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to next if the table allows it from the current state,
// otherwise returns an error and leaves state unchanged.
func (m *stateMachine) transition(next ApplicationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return errors.Errorf("session: invalid transition %s -> %s", m.state, next)
}

// forceError unconditionally drops to Error; used on faults where the
// current state is otherwise unknown to the caller (e.g. a callback fired
// from a worker goroutine). Shutdown is terminal and never overridden.
func (m *stateMachine) forceError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Shutdown {
		m.state = Error
	}
}
