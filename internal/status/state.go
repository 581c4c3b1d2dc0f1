package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/maksum/internal/bus"
)

// State is the client session state: whether an identity is loaded and how
// healthy the backend looks.
type State string

const (
	SignedOut    State = "SIGNED_OUT"
	Loading      State = "LOADING"
	Online       State = "ONLINE"
	Degraded     State = "DEGRADED"
	AuthRequired State = "AUTH_REQUIRED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	SignedOut:    {Loading},
	Loading:      {Online, Degraded, AuthRequired, Error, SignedOut},
	Online:       {Degraded, AuthRequired, SignedOut, Error},
	Degraded:     {Online, AuthRequired, SignedOut, Error},
	AuthRequired: {Loading, SignedOut},
	Error:        {Loading, SignedOut},
}

// HasIdentity reports whether background work tied to a signed-in user may run.
func (s State) HasIdentity() bool {
	return s == Online || s == Degraded
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in SignedOut.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: SignedOut,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Moving to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// TransitionFrom moves to `to` only when the current state is one of `from`.
// It reports whether the transition happened.
func (m *Machine) TransitionFrom(to State, from ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(from, m.current) {
		return false
	}
	return m.transitionLocked(to) == nil
}

func (m *Machine) transitionLocked(to State) error {
	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.KindSessionStatusChanged, StatusChange{From: from, To: to})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
