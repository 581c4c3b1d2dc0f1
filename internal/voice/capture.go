package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/maksum/internal/bus"
	"github.com/matheus3301/maksum/internal/metrics"
	"github.com/matheus3301/maksum/internal/model"
	"github.com/matheus3301/maksum/internal/task"
	"github.com/matheus3301/maksum/internal/timefmt"
)

// State is the state of the voice recording session.
type State string

const (
	Idle         State = "IDLE"
	Recording    State = "RECORDING"
	Stopping     State = "STOPPING"
	Transmitting State = "TRANSMITTING"
	Done         State = "DONE"
	Failed       State = "FAILED"
)

// validTransitions defines allowed state transitions. Every state that
// holds the device can fall back to Idle.
var validTransitions = map[State][]State{
	Idle:         {Recording},
	Recording:    {Stopping, Idle},
	Stopping:     {Transmitting, Failed, Idle},
	Transmitting: {Done, Failed},
	Done:         {Idle},
	Failed:       {Idle},
}

// StateChange is the payload of voice.state_changed events.
type StateChange struct {
	From           State
	To             State
	ConversationID string
	Err            error
}

// Elapsed is the payload of voice.elapsed events.
type Elapsed struct {
	Seconds float64
	Clock   string
}

// DefaultTick is the period of the elapsed-time counter.
const DefaultTick = time.Second

// Capture records one voice note at a time and sends it. The device stream
// is closed exactly once per session, whichever way the session ends.
type Capture struct {
	mic       Microphone
	finalizer Finalizer
	prober    Prober
	api       model.API
	refresher Refresher
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tick      time.Duration

	// newTicker is replaced in tests to drive the counter by hand.
	newTicker func(d time.Duration) (<-chan time.Time, func())

	mu      sync.Mutex
	state   State
	session uint64
	opening bool
	rec     *recording
	lastErr error
}

type recording struct {
	conversationID string
	stream         Stream
	closeOnce      sync.Once
	chunks         [][]byte
	collected      chan struct{}
	ticks          int
	counter        *task.Handle
}

// release closes the device stream. Safe to call from every exit path.
func (r *recording) release(logger *zap.Logger) {
	r.closeOnce.Do(func() {
		if err := r.stream.Close(); err != nil {
			logger.Warn("failed to close microphone", zap.Error(err))
		}
	})
}

// CaptureConfig wires a Capture.
type CaptureConfig struct {
	Microphone Microphone
	Finalizer  Finalizer
	Prober     Prober
	API        model.API
	Refresher  Refresher
	Bus        *bus.Bus
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Tick       time.Duration
}

// NewCapture creates an idle Capture. Finalizer and Prober default to WAV.
func NewCapture(cfg CaptureConfig) *Capture {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Finalizer == nil {
		cfg.Finalizer = WAVFinalizer{}
	}
	if cfg.Prober == nil {
		cfg.Prober = WAVProber{}
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	return &Capture{
		mic:       cfg.Microphone,
		finalizer: cfg.Finalizer,
		prober:    cfg.Prober,
		api:       cfg.API,
		refresher: cfg.Refresher,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.Named("voice"),
		tick:      cfg.Tick,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
		state: Idle,
	}
}

// State returns the current state.
func (c *Capture) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active reports whether a session holds the device or is sending.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opening || c.state == Recording || c.state == Stopping || c.state == Transmitting
}

// Elapsed returns the counter value of the current recording in seconds.
func (c *Capture) Elapsed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec == nil {
		return 0
	}
	return float64(c.rec.ticks) * c.tick.Seconds()
}

// LastError returns the error that ended the previous session, if any.
func (c *Capture) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Start opens the microphone and begins recording for conversationID.
// A finished session (Done or Failed) is reset first.
func (c *Capture) Start(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	if c.mic == nil {
		return ErrNoDevice
	}

	c.mu.Lock()
	switch {
	case c.state == Transmitting:
		c.mu.Unlock()
		return ErrBusy
	case c.opening || c.state == Recording || c.state == Stopping:
		c.mu.Unlock()
		return ErrAlreadyRecording
	case c.state == Done || c.state == Failed:
		c.transitionLocked(Idle, "", nil)
	}
	c.opening = true
	c.session++
	session := c.session
	c.lastErr = nil
	c.mu.Unlock()

	stream, err := c.mic.Open(ctx)

	c.mu.Lock()
	c.opening = false
	if err != nil {
		c.lastErr = err
		c.mu.Unlock()
		c.logger.Warn("microphone unavailable", zap.Error(err))
		return fmt.Errorf("open microphone: %w", err)
	}
	if c.session != session {
		// Cancelled while the device was opening.
		c.mu.Unlock()
		if err := stream.Close(); err != nil {
			c.logger.Warn("failed to close microphone", zap.Error(err))
		}
		return ErrCancelled
	}
	rec := &recording{
		conversationID: conversationID,
		stream:         stream,
		collected:      make(chan struct{}),
	}
	go func() {
		defer close(rec.collected)
		for chunk := range stream.Chunks() {
			rec.chunks = append(rec.chunks, slices.Clone(chunk))
		}
	}()
	rec.counter = task.Go(context.Background(), func(ctx context.Context) {
		ticks, stop := c.newTicker(c.tick)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
				c.onTick(rec)
			}
		}
	})
	c.rec = rec
	c.transitionLocked(Recording, conversationID, nil)
	c.mu.Unlock()

	c.bus.Emit(bus.KindVoiceElapsed, Elapsed{Seconds: 0, Clock: timefmt.Clock(0)})
	c.logger.Info("recording started", zap.String("conversation_id", conversationID))
	return nil
}

func (c *Capture) onTick(rec *recording) {
	c.mu.Lock()
	if c.rec != rec || c.state != Recording {
		c.mu.Unlock()
		return
	}
	rec.ticks++
	secs := float64(rec.ticks) * c.tick.Seconds()
	c.mu.Unlock()
	c.bus.Emit(bus.KindVoiceElapsed, Elapsed{Seconds: secs, Clock: timefmt.Clock(secs)})
}

// Stop ends the recording, finalizes and measures the audio, and sends it
// to the conversation it was started for. The duration sent is the one
// measured from the finished blob, rounded to one decimal.
func (c *Capture) Stop(ctx context.Context) (model.Message, error) {
	c.mu.Lock()
	if c.state != Recording {
		c.mu.Unlock()
		return model.Message{}, ErrNotRecording
	}
	rec := c.rec
	c.transitionLocked(Stopping, rec.conversationID, nil)
	c.mu.Unlock()

	rec.counter.Stop()
	rec.release(c.logger)

	select {
	case <-rec.collected:
	case <-ctx.Done():
		return model.Message{}, c.fail(rec, fmt.Errorf("collect audio: %w", ctx.Err()))
	}

	blob, err := c.finalizer.Finalize(ctx, rec.stream.Format(), rec.chunks)
	if err != nil {
		return model.Message{}, c.fail(rec, fmt.Errorf("finalize audio: %w", err))
	}
	duration, err := c.prober.Duration(ctx, blob)
	if err != nil || math.IsNaN(duration) || math.IsInf(duration, 0) || duration <= 0 {
		c.logger.Warn("could not measure recording, using counter",
			zap.Error(err), zap.Float64("probed", duration))
		duration = float64(rec.ticks) * c.tick.Seconds()
	}
	duration = math.Round(duration*10) / 10

	c.mu.Lock()
	if c.rec != rec {
		c.mu.Unlock()
		return model.Message{}, ErrCancelled
	}
	c.transitionLocked(Transmitting, rec.conversationID, nil)
	c.mu.Unlock()

	msg, err := c.api.SendVoiceMessage(ctx, model.VoiceSend{
		ConversationID:  rec.conversationID,
		AudioBase64:     base64.StdEncoding.EncodeToString(blob),
		DurationSeconds: duration,
		ClientMsgID:     uuid.NewString(),
	})
	if err != nil {
		return model.Message{}, c.fail(rec, fmt.Errorf("send voice note: %w", err))
	}

	c.mu.Lock()
	c.rec = nil
	c.transitionLocked(Done, rec.conversationID, nil)
	c.mu.Unlock()
	c.metrics.VoiceSent()
	c.logger.Info("voice note sent",
		zap.String("conversation_id", rec.conversationID),
		zap.Float64("duration_seconds", duration),
		zap.Int("bytes", len(blob)),
	)

	if c.refresher != nil {
		if err := c.refresher.Refresh(ctx, rec.conversationID); err != nil {
			c.logger.Debug("post-send refresh skipped", zap.Error(err))
		}
	}
	return msg, nil
}

// fail discards the session unless it was already cancelled.
func (c *Capture) fail(rec *recording, err error) error {
	rec.release(c.logger)
	c.mu.Lock()
	if c.rec != rec {
		c.mu.Unlock()
		return ErrCancelled
	}
	c.rec = nil
	c.lastErr = err
	c.transitionLocked(Failed, rec.conversationID, err)
	c.mu.Unlock()
	c.metrics.VoiceFailed()
	c.logger.Warn("voice note discarded", zap.String("conversation_id", rec.conversationID), zap.Error(err))
	return err
}

// Cancel abandons the current session and releases the device. It is a
// no-op when idle and refused with ErrBusy while the note is being sent.
func (c *Capture) Cancel() error {
	c.mu.Lock()
	switch c.state {
	case Transmitting:
		c.mu.Unlock()
		return ErrBusy
	case Idle:
		if c.opening {
			c.session++
		}
		c.mu.Unlock()
		return nil
	}
	rec := c.rec
	c.rec = nil
	c.session++
	c.transitionLocked(Idle, "", nil)
	c.mu.Unlock()

	if rec != nil {
		rec.counter.Stop()
		rec.release(c.logger)
		c.logger.Info("recording cancelled", zap.String("conversation_id", rec.conversationID))
	}
	return nil
}

func (c *Capture) transitionLocked(to State, conversationID string, cause error) {
	from := c.state
	if from == to {
		return
	}
	if !slices.Contains(validTransitions[from], to) {
		c.logger.Error("invalid voice state transition", zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	c.state = to
	c.bus.Emit(bus.KindVoiceStateChanged, StateChange{From: from, To: to, ConversationID: conversationID, Err: cause})
}

// IsDeviceError reports whether err means the microphone could not be used.
func IsDeviceError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNoDevice)
}
