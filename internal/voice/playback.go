package voice

import (
	"errors"
	"math"
	"sync"

	"github.com/matheus3301/maksum/internal/bus"
	"github.com/matheus3301/maksum/internal/model"
)

// Player is an audio output for a single voice note.
type Player interface {
	Play() error
	Pause() error
}

// EventSource is implemented by players that report device events
// themselves rather than through a UI layer.
type EventSource interface {
	Attach(func(PlayerEvent))
}

// PlayerEventKind enumerates device-level playback events.
type PlayerEventKind int

const (
	Started PlayerEventKind = iota
	Paused
	Ended
	TimeUpdate
	MetadataLoaded
)

// PlayerEvent is reported by the audio device. CurrentTime is set for
// TimeUpdate, Duration for MetadataLoaded.
type PlayerEvent struct {
	Kind        PlayerEventKind
	CurrentTime float64
	Duration    float64
}

// PlaybackState is the derived view of a playback.
type PlaybackState struct {
	MessageID   string
	CurrentTime float64
	Duration    float64
	Progress    float64
	Playing     bool
}

// Playback tracks one voice message's player.
type Playback struct {
	messageID string
	declared  float64
	player    Player
	arbiter   *Arbiter
	bus       *bus.Bus

	mu          sync.Mutex
	currentTime float64
	probed      float64
	playing     bool
}

// NewPlayback attaches player to the voice message msg. arbiter may be nil.
func NewPlayback(msg model.Message, player Player, arbiter *Arbiter, b *bus.Bus) (*Playback, error) {
	if !msg.IsVoice() {
		return nil, errors.New("playback: message has no voice payload")
	}
	p := &Playback{
		messageID: msg.ID,
		player:    player,
		arbiter:   arbiter,
		bus:       b,
	}
	if d := msg.Voice.DurationSeconds; d != nil && finite(*d) && *d > 0 {
		p.declared = *d
	}
	if src, ok := player.(EventSource); ok {
		src.Attach(p.HandleEvent)
	}
	return p, nil
}

// MessageID returns the id of the message being played.
func (p *Playback) MessageID() string { return p.messageID }

// Toggle plays when paused and pauses when playing.
func (p *Playback) Toggle() error {
	p.mu.Lock()
	playing := p.playing
	p.mu.Unlock()
	if playing {
		return p.Pause()
	}
	return p.Play()
}

// Play starts the player, pausing whatever the arbiter says must yield.
func (p *Playback) Play() error {
	p.arbiter.Acquire(p)
	if err := p.player.Play(); err != nil {
		p.arbiter.Release(p)
		return err
	}
	return nil
}

// Pause pauses the player.
func (p *Playback) Pause() error {
	return p.player.Pause()
}

// Close pauses and gives up the arbiter slot.
func (p *Playback) Close() error {
	p.arbiter.Release(p)
	p.mu.Lock()
	playing := p.playing
	p.mu.Unlock()
	if playing {
		return p.player.Pause()
	}
	return nil
}

// HandleEvent applies a device event.
func (p *Playback) HandleEvent(e PlayerEvent) {
	p.mu.Lock()
	switch e.Kind {
	case Started:
		p.playing = true
	case Paused:
		p.playing = false
	case Ended:
		p.playing = false
		p.currentTime = 0
	case TimeUpdate:
		if finite(e.CurrentTime) && e.CurrentTime >= 0 {
			p.currentTime = e.CurrentTime
		}
	case MetadataLoaded:
		if finite(e.Duration) && e.Duration > 0 {
			p.probed = e.Duration
		}
	}
	state := p.stateLocked()
	p.mu.Unlock()

	switch e.Kind {
	case Started:
		p.arbiter.Acquire(p)
	case Paused, Ended:
		p.arbiter.Release(p)
	}
	p.bus.Emit(bus.KindPlaybackStateChanged, state)
}

// State returns the derived playback state.
func (p *Playback) State() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Playback) stateLocked() PlaybackState {
	duration := p.declared
	if duration == 0 {
		duration = p.probed
	}
	progress := 0.0
	if duration > 0 {
		progress = math.Min(1, math.Max(0, p.currentTime/duration))
	}
	return PlaybackState{
		MessageID:   p.messageID,
		CurrentTime: p.currentTime,
		Duration:    duration,
		Progress:    progress,
		Playing:     p.playing,
	}
}

// yield is called by the arbiter when another playback takes over.
func (p *Playback) yield() {
	p.mu.Lock()
	playing := p.playing
	p.playing = false
	state := p.stateLocked()
	p.mu.Unlock()
	if playing {
		_ = p.player.Pause()
		p.bus.Emit(bus.KindPlaybackStateChanged, state)
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
