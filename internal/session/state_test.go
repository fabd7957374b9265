package session

import "testing"

func TestStateMachineAllowsWiredTransitions(t *testing.T) {
	m := newStateMachine()
	steps := []ApplicationState{Ready, Connecting, Connected, Transmitting, Connected, Disconnecting, Ready}
	for _, next := range steps {
		if err := m.transition(next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
}

func TestStateMachineRejectsInvalidTransition(t *testing.T) {
	m := newStateMachine()
	if err := m.transition(Transmitting); err == nil {
		t.Fatal("expected Initializing -> Transmitting to be rejected")
	}
	if m.State() != Initializing {
		t.Fatalf("state changed despite rejected transition: %s", m.State())
	}
}

func TestStateMachineForceErrorFromAnyNonTerminal(t *testing.T) {
	m := newStateMachine()
	m.transition(Ready)
	m.transition(Connecting)
	m.forceError()
	if m.State() != Error {
		t.Fatalf("state = %s, want Error", m.State())
	}
}

func TestStateMachineShutdownIsTerminal(t *testing.T) {
	m := newStateMachine()
	m.transition(Ready)
	m.transition(Shutdown)
	if err := m.transition(Connecting); err == nil {
		t.Fatal("expected no transitions out of Shutdown")
	}
	m.forceError()
	if m.State() != Shutdown {
		t.Fatal("forceError must not override a terminal Shutdown state")
	}
}
