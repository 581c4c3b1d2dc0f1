package status

import (
	"testing"

	"github.com/matheus3301/maksum/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != SignedOut {
		t.Errorf("initial state = %s, want SIGNED_OUT", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{SignedOut, Loading},
		{Loading, Online},
		{Loading, AuthRequired},
		{Loading, Error},
		{Online, Degraded},
		{Degraded, Online},
		{Online, AuthRequired},
		{AuthRequired, Loading},
		{Online, SignedOut},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Online); err == nil {
		t.Error("Transition(SIGNED_OUT -> ONLINE) should fail; identity must be loaded first")
	}
}

func TestSelfTransitionIsNoop(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(SignedOut); err != nil {
		t.Fatalf("self transition error = %v", err)
	}
	select {
	case evt := <-ch:
		t.Errorf("self transition emitted %v", evt)
	default:
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Loading); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindSessionStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindSessionStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != SignedOut || change.To != Loading {
		t.Errorf("change = %v -> %v, want SIGNED_OUT -> LOADING", change.From, change.To)
	}
}

func TestTransitionFrom(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Online)

	if m.TransitionFrom(Online, Degraded) {
		t.Error("TransitionFrom(ONLINE, DEGRADED) moved while ONLINE")
	}
	if !m.TransitionFrom(Degraded, Online) {
		t.Fatal("TransitionFrom(DEGRADED, ONLINE) did not move")
	}
	if m.Current() != Degraded {
		t.Errorf("state = %s, want DEGRADED", m.Current())
	}
}

// TestIdentityLossLifecycle: ONLINE → AUTH_REQUIRED → LOADING → ONLINE.
func TestIdentityLossLifecycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Online)

	for _, s := range []State{AuthRequired, Loading, Online} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if !m.Current().HasIdentity() {
		t.Errorf("state %s should carry an identity", m.Current())
	}
}

func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		SignedOut:    {},
		Loading:      {Loading},
		Online:       {Loading, Online},
		Degraded:     {Loading, Online, Degraded},
		AuthRequired: {Loading, AuthRequired},
		Error:        {Loading, Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
