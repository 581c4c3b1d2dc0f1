package presence

import "sync"

// PauseGate suppresses profile refreshes while any holder is active, such
// as an open profile edit form. Holds nest: the gate opens again only after
// every holder has released.
type PauseGate struct {
	mu    sync.Mutex
	holds int
}

// Acquire adds a hold and returns its release func. Releasing twice is a
// no-op.
func (g *PauseGate) Acquire() (release func()) {
	g.mu.Lock()
	g.holds++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.holds--
			g.mu.Unlock()
		})
	}
}

// Paused reports whether any hold is active.
func (g *PauseGate) Paused() bool {
	return g.Holds() > 0
}

// Holds returns the number of active holds.
func (g *PauseGate) Holds() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holds
}
