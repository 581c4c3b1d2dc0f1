package voice

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/maksum/internal/task"
)

// ClockPlayer advances a voice note in real time without producing sound,
// reporting the same events an audio device would.
type ClockPlayer struct {
	duration float64
	step     time.Duration

	mu       sync.Mutex
	emit     func(PlayerEvent)
	position float64
	loaded   bool
	run      *task.Handle
}

// NewClockPlayer plays a note of the given length in seconds, reporting
// progress every step.
func NewClockPlayer(duration float64, step time.Duration) *ClockPlayer {
	if step <= 0 {
		step = 250 * time.Millisecond
	}
	return &ClockPlayer{duration: duration, step: step, emit: func(PlayerEvent) {}}
}

// Attach implements EventSource.
func (c *ClockPlayer) Attach(emit func(PlayerEvent)) {
	c.mu.Lock()
	c.emit = emit
	c.mu.Unlock()
}

// Play implements Player.
func (c *ClockPlayer) Play() error {
	c.mu.Lock()
	if c.run != nil {
		c.mu.Unlock()
		return nil
	}
	emit := c.emit
	first := !c.loaded
	c.loaded = true
	c.run = task.Every(context.Background(), c.step, false, c.advance)
	c.mu.Unlock()

	if first {
		emit(PlayerEvent{Kind: MetadataLoaded, Duration: c.duration})
	}
	emit(PlayerEvent{Kind: Started})
	return nil
}

// Pause implements Player.
func (c *ClockPlayer) Pause() error {
	c.mu.Lock()
	run := c.run
	c.run = nil
	emit := c.emit
	c.mu.Unlock()
	if run != nil {
		run.Stop()
		emit(PlayerEvent{Kind: Paused})
	}
	return nil
}

func (c *ClockPlayer) advance(ctx context.Context) {
	c.mu.Lock()
	if ctx.Err() != nil || c.run == nil {
		c.mu.Unlock()
		return
	}
	emit := c.emit
	c.position += c.step.Seconds()
	if c.position < c.duration {
		pos := c.position
		c.mu.Unlock()
		emit(PlayerEvent{Kind: TimeUpdate, CurrentTime: pos})
		return
	}
	run := c.run
	c.run = nil
	c.position = 0
	c.mu.Unlock()

	run.Stop()
	emit(PlayerEvent{Kind: TimeUpdate, CurrentTime: c.duration})
	emit(PlayerEvent{Kind: Ended})
}
