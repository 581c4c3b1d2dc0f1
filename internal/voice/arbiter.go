package voice

import "sync"

// Arbiter owns which playback is the playing one. In exclusive mode,
// starting a playback pauses the previous one; otherwise playbacks run
// side by side and the arbiter only tracks the latest. A nil *Arbiter does
// nothing.
type Arbiter struct {
	exclusive bool

	mu      sync.Mutex
	current *Playback
}

// NewArbiter creates an arbiter.
func NewArbiter(exclusive bool) *Arbiter {
	return &Arbiter{exclusive: exclusive}
}

// Acquire makes p the current playback.
func (a *Arbiter) Acquire(p *Playback) {
	if a == nil {
		return
	}
	a.mu.Lock()
	prev := a.current
	a.current = p
	a.mu.Unlock()
	if a.exclusive && prev != nil && prev != p {
		prev.yield()
	}
}

// Release clears p if it is the current playback.
func (a *Arbiter) Release(p *Playback) {
	if a == nil {
		return
	}
	a.mu.Lock()
	if a.current == p {
		a.current = nil
	}
	a.mu.Unlock()
}

// Current returns the current playback, or nil.
func (a *Arbiter) Current() *Playback {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Exclusive reports whether starting a playback pauses the others.
func (a *Arbiter) Exclusive() bool {
	return a != nil && a.exclusive
}
