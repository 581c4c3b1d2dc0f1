package composer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/maksum/internal/bus"
	"github.com/matheus3301/maksum/internal/model"
)

var (
	ErrEmptyDraft      = errors.New("composer: draft is empty")
	ErrSendInFlight    = errors.New("composer: a send is already in flight")
	ErrRecordingActive = errors.New("composer: a voice note is being recorded")
	ErrNoTarget        = errors.New("composer: no conversation or peer selected")
	ErrNoRecorder      = errors.New("composer: voice notes are not available")
)

// Refresher forces an out-of-band history fetch after a send.
type Refresher interface {
	Refresh(ctx context.Context, conversationID string) error
}

// Recorder is the voice path the composer hands record/stop/cancel to.
type Recorder interface {
	Start(ctx context.Context, conversationID string) error
	Stop(ctx context.Context) (model.Message, error)
	Cancel() error
	Active() bool
}

// Target is who a submission goes to. ConversationID wins when both are set;
// PeerID alone lets the server open the conversation on first send.
type Target struct {
	ConversationID string
	PeerID         string
}

func (t Target) IsZero() bool { return t.ConversationID == "" && t.PeerID == "" }

// Sending is the payload of composer.sending events.
type Sending struct {
	ClientMsgID string
	Target      Target
}

// Sent is the payload of composer.sent events.
type Sent struct {
	ClientMsgID string
	Message     model.Message
}

// Failed is the payload of composer.failed events.
type Failed struct {
	ClientMsgID string
	Target      Target
	Err         error
}

// Composer holds the draft for the selected target and submits it. Text
// and voice sends are mutually exclusive.
type Composer struct {
	api       model.API
	refresher Refresher
	recorder  Recorder
	bus       *bus.Bus
	logger    *zap.Logger

	mu      sync.Mutex
	target  Target
	draft   string
	sending bool
	// starting is set while recorder.Start runs; the recorder is not yet
	// Active then.
	starting bool
}

// New creates a Composer. refresher and recorder may be nil.
func New(api model.API, refresher Refresher, recorder Recorder, b *bus.Bus, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{
		api:       api,
		refresher: refresher,
		recorder:  recorder,
		bus:       b,
		logger:    logger.Named("composer"),
	}
}

// SetTarget selects who the next submission goes to. Switching to a
// different target discards the draft.
func (c *Composer) SetTarget(t Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t != c.target {
		c.draft = ""
	}
	c.target = t
}

// Target returns the current target.
func (c *Composer) Target() Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *Composer) SetDraft(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = text
}

func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Sending reports whether a text submission is in flight.
func (c *Composer) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

// SubmitText sends the trimmed draft. The draft is cleared only when the
// server confirms the message and the user has not edited it meanwhile; on
// failure it is kept and the error is returned, never retried. A confirmed
// send is followed by one out-of-band fetch of the conversation.
func (c *Composer) SubmitText(ctx context.Context) (model.Message, error) {
	c.mu.Lock()
	text := strings.TrimSpace(c.draft)
	switch {
	case c.sending:
		c.mu.Unlock()
		return model.Message{}, ErrSendInFlight
	case c.starting, c.recorder != nil && c.recorder.Active():
		c.mu.Unlock()
		return model.Message{}, ErrRecordingActive
	case c.target.IsZero():
		c.mu.Unlock()
		return model.Message{}, ErrNoTarget
	case text == "":
		c.mu.Unlock()
		return model.Message{}, ErrEmptyDraft
	}
	c.sending = true
	target := c.target
	submitted := c.draft
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()
	}()

	clientMsgID := uuid.NewString()
	c.bus.Emit(bus.KindComposerSending, Sending{ClientMsgID: clientMsgID, Target: target})

	msg, err := c.api.SendTextMessage(ctx, model.TextSend{
		ConversationID: target.ConversationID,
		PeerID:         target.PeerID,
		Text:           text,
		ClientMsgID:    clientMsgID,
	})
	if err != nil {
		c.logger.Warn("send failed", zap.String("client_msg_id", clientMsgID), zap.Error(err))
		c.bus.Emit(bus.KindComposerFailed, Failed{ClientMsgID: clientMsgID, Target: target, Err: err})
		return model.Message{}, fmt.Errorf("send text: %w", err)
	}

	convID := target.ConversationID
	if convID == "" {
		convID = msg.ConversationID
	}
	c.mu.Lock()
	if c.target == target {
		if c.draft == submitted {
			c.draft = ""
		}
		// The server opened a conversation for the peer; keep sending there.
		if target.ConversationID == "" && convID != "" {
			c.target = Target{ConversationID: convID, PeerID: target.PeerID}
		}
	}
	c.mu.Unlock()

	c.logger.Info("message sent",
		zap.String("client_msg_id", clientMsgID),
		zap.String("conversation_id", convID),
		zap.String("message_id", msg.ID),
	)
	c.bus.Emit(bus.KindComposerSent, Sent{ClientMsgID: clientMsgID, Message: msg})

	if c.refresher != nil && convID != "" {
		if err := c.refresher.Refresh(ctx, convID); err != nil {
			c.logger.Debug("post-send refresh skipped", zap.Error(err))
		}
	}
	return msg, nil
}

// StartRecording begins a voice note for the selected conversation.
func (c *Composer) StartRecording(ctx context.Context) error {
	if c.recorder == nil {
		return ErrNoRecorder
	}
	c.mu.Lock()
	convID := c.target.ConversationID
	switch {
	case c.sending:
		c.mu.Unlock()
		return ErrSendInFlight
	case c.starting:
		c.mu.Unlock()
		return ErrRecordingActive
	case convID == "":
		c.mu.Unlock()
		return ErrNoTarget
	}
	c.starting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()
	return c.recorder.Start(ctx, convID)
}

// StopRecording finishes the voice note and sends it.
func (c *Composer) StopRecording(ctx context.Context) (model.Message, error) {
	if c.recorder == nil {
		return model.Message{}, ErrNoRecorder
	}
	return c.recorder.Stop(ctx)
}

// CancelRecording abandons the voice note, if any.
func (c *Composer) CancelRecording() error {
	if c.recorder == nil {
		return nil
	}
	return c.recorder.Cancel()
}

// Recording reports whether the voice path is busy.
func (c *Composer) Recording() bool {
	c.mu.Lock()
	starting := c.starting
	c.mu.Unlock()
	return starting || (c.recorder != nil && c.recorder.Active())
}
