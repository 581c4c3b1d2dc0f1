// Package client ties the messaging core together around one signed-in
// identity: it owns the session state machine and starts and tears down the
// background work that only makes sense while a user is loaded.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/maksum/internal/bus"
	"github.com/matheus3301/maksum/internal/composer"
	"github.com/matheus3301/maksum/internal/conversations"
	"github.com/matheus3301/maksum/internal/metrics"
	"github.com/matheus3301/maksum/internal/model"
	"github.com/matheus3301/maksum/internal/presence"
	"github.com/matheus3301/maksum/internal/restapi"
	"github.com/matheus3301/maksum/internal/status"
	"github.com/matheus3301/maksum/internal/store"
	msgsync "github.com/matheus3301/maksum/internal/sync"
	"github.com/matheus3301/maksum/internal/task"
	"github.com/matheus3301/maksum/internal/voice"
)

var (
	ErrSignedOut      = errors.New("client: no identity loaded")
	ErrSigningIn      = errors.New("client: sign-in already in progress")
	ErrNotVoice       = errors.New("client: message has no voice payload")
	ErrUnknownMessage = errors.New("client: message is not in the open conversation")
)

// Config wires a Client. API, DB and Bus are required.
type Config struct {
	API     model.API
	DB      *store.DB
	Bus     *bus.Bus
	Machine *status.Machine
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	PollInterval time.Duration
	Presence     presence.Config

	Microphone        voice.Microphone
	VoiceTick         time.Duration
	ExclusivePlayback bool
	// NewPlayer builds the output for a voice message; defaults to a
	// ClockPlayer of the message's declared length.
	NewPlayer func(msg model.Message) voice.Player
}

// Client is the facade a UI drives.
type Client struct {
	api     model.API
	db      *store.DB
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	conversations *conversations.Store
	sync          *msgsync.MessageSync
	capture       *voice.Capture
	heartbeat     *presence.Heartbeat
	composer      *composer.Composer
	arbiter       *voice.Arbiter
	gate          *presence.PauseGate
	newPlayer     func(msg model.Message) voice.Player

	mu        sync.Mutex
	watch     *task.Handle
	initial   *task.Handle
	playbacks map[string]*voice.Playback
}

// New builds the core components around cfg.API. The client starts signed out.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	machine := cfg.Machine
	if machine == nil {
		machine = status.NewMachine(cfg.Bus)
	}
	newPlayer := cfg.NewPlayer
	if newPlayer == nil {
		newPlayer = func(msg model.Message) voice.Player {
			var d float64
			if msg.Voice != nil && msg.Voice.DurationSeconds != nil {
				d = *msg.Voice.DurationSeconds
			}
			return voice.NewClockPlayer(d, 0)
		}
	}

	gate := &presence.PauseGate{}
	ms := msgsync.New(cfg.API, cfg.DB, cfg.Bus, cfg.Metrics, logger, cfg.PollInterval)
	capture := voice.NewCapture(voice.CaptureConfig{
		Microphone: cfg.Microphone,
		API:        cfg.API,
		Refresher:  ms,
		Bus:        cfg.Bus,
		Metrics:    cfg.Metrics,
		Logger:     logger,
		Tick:       cfg.VoiceTick,
	})
	c := &Client{
		api:           cfg.API,
		db:            cfg.DB,
		bus:           cfg.Bus,
		machine:       machine,
		logger:        logger.Named("client"),
		conversations: conversations.New(cfg.API, cfg.DB, cfg.Bus, logger),
		sync:          ms,
		capture:       capture,
		heartbeat:     presence.New(cfg.API, gate, cfg.Bus, cfg.Metrics, logger, cfg.Presence),
		composer:      composer.New(cfg.API, ms, capture, cfg.Bus, logger),
		arbiter:       voice.NewArbiter(cfg.ExclusivePlayback),
		gate:          gate,
		newPlayer:     newPlayer,
		playbacks:     make(map[string]*voice.Playback),
	}
	c.heartbeat.SetHooks(presence.Hooks{
		OnIdentityLost: func(err error) { c.identityLost(err) },
	})
	return c
}

// Start watches api.* events for identity loss and backend health. It does
// not sign in.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watch != nil {
		return
	}
	events, unsub := c.bus.Subscribe("api.", 16)
	c.watch = task.Go(ctx, func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				c.handleAPIEvent(evt)
			}
		}
	})
}

// Stop signs out and stops watching events. Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	watch := c.watch
	c.watch = nil
	c.mu.Unlock()
	watch.Stop()
	c.SignOut()
}

func (c *Client) handleAPIEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindAPIUnauthorized:
		c.identityLost(model.ErrUnauthorized)
	case bus.KindAPIBreaker:
		change, ok := evt.Payload.(restapi.BreakerChange)
		if !ok {
			return
		}
		switch change.To {
		case "open":
			if c.machine.TransitionFrom(status.Degraded, status.Online) {
				c.logger.Warn("backend unavailable, session degraded")
			}
		case "closed":
			if c.machine.TransitionFrom(status.Online, status.Degraded) {
				c.logger.Info("backend recovered")
			}
		}
	}
}

// SignIn loads the profile for the configured credentials, then starts the
// heartbeat and the first conversation list refresh.
func (c *Client) SignIn(ctx context.Context) (model.Profile, error) {
	if !c.machine.TransitionFrom(status.Loading, status.SignedOut, status.AuthRequired, status.Error) {
		if c.machine.Current() == status.Loading {
			return model.Profile{}, ErrSigningIn
		}
		p, _ := c.heartbeat.Profile()
		return p, nil
	}

	p, err := c.api.GetProfile(ctx)
	if err != nil {
		if errors.Is(err, model.ErrUnauthorized) {
			_ = c.machine.Transition(status.AuthRequired)
		} else {
			_ = c.machine.Transition(status.Error)
		}
		c.logger.Warn("sign-in failed", zap.Error(err))
		return model.Profile{}, fmt.Errorf("sign in: %w", err)
	}
	if !c.machine.TransitionFrom(status.Online, status.Loading) {
		// Identity lost or signed out while the profile was loading.
		return model.Profile{}, ErrSignedOut
	}

	c.mu.Lock()
	c.initial.Stop()
	c.initial = task.Go(context.WithoutCancel(ctx), func(ctx context.Context) {
		if _, err := c.conversations.RefreshWithRetry(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("initial conversation refresh failed", zap.Error(err))
		}
	})
	c.mu.Unlock()

	c.heartbeat.SetProfile(p)
	c.heartbeat.Start(context.WithoutCancel(ctx))

	c.logger.Info("signed in", zap.String("user_id", p.ID), zap.String("username", p.Username))
	return p, nil
}

// SignOut tears down everything tied to the identity. Safe to call when
// signed out.
func (c *Client) SignOut() {
	if c.teardown() {
		_ = c.machine.Transition(status.SignedOut)
		c.logger.Info("signed out")
	}
}

func (c *Client) identityLost(err error) {
	cur := c.machine.Current()
	if !cur.HasIdentity() && cur != status.Loading {
		return
	}
	c.teardown()
	if c.machine.TransitionFrom(status.AuthRequired, status.Online, status.Degraded, status.Loading) {
		c.logger.Warn("identity lost", zap.Error(err))
	}
}

// teardown stops background work and forgets per-identity state. It
// reports whether there was an identity to tear down.
func (c *Client) teardown() bool {
	cur := c.machine.Current()
	if cur == status.SignedOut {
		return false
	}
	c.heartbeat.Stop()
	c.sync.Close()
	if err := c.capture.Cancel(); err != nil {
		c.logger.Warn("voice note still sending during sign-out", zap.Error(err))
	}
	c.composer.SetTarget(composer.Target{})

	c.closePlaybacks()

	c.mu.Lock()
	initial := c.initial
	c.initial = nil
	c.mu.Unlock()
	initial.Stop()

	c.conversations.Clear()
	if err := c.db.Reset(); err != nil {
		c.logger.Warn("failed to reset session index", zap.Error(err))
	}
	return true
}

// State returns the session state.
func (c *Client) State() status.State { return c.machine.Current() }

// Profile returns the signed-in user's latest profile.
func (c *Client) Profile() (model.Profile, bool) { return c.heartbeat.Profile() }

// Gate is the pause gate editors hold while a profile refresh would
// clobber their input.
func (c *Client) Gate() *presence.PauseGate { return c.gate }

// Visible reports a UI visibility change; becoming visible refreshes the
// profile.
func (c *Client) Visible(visible bool) {
	c.bus.Emit(bus.KindVisibility, presence.Visibility{Visible: visible})
}

func (c *Client) Composer() *composer.Composer { return c.composer }

func (c *Client) Capture() *voice.Capture { return c.capture }

// Conversations returns the cached conversation list.
func (c *Client) Conversations() []model.Conversation { return c.conversations.List() }

// Conversation returns the cached conversation id.
func (c *Client) Conversation(id string) (model.Conversation, bool) { return c.conversations.Get(id) }

// FilterConversations matches the cached list against query.
func (c *Client) FilterConversations(query string) []model.Conversation {
	return c.conversations.Filter(query)
}

// RefreshConversations refetches the conversation list.
func (c *Client) RefreshConversations(ctx context.Context) ([]model.Conversation, error) {
	if !c.machine.Current().HasIdentity() {
		return nil, ErrSignedOut
	}
	return c.conversations.Refresh(ctx)
}

// Open makes conversationID the polled conversation and the composer's
// target. A failed first fetch is returned but polling still starts.
func (c *Client) Open(ctx context.Context, conversationID string) error {
	if !c.machine.Current().HasIdentity() {
		return ErrSignedOut
	}
	peerID := ""
	if conv, ok := c.conversations.Get(conversationID); ok {
		peerID = conv.PeerID
	}
	c.closePlaybacks()
	c.composer.SetTarget(composer.Target{ConversationID: conversationID, PeerID: peerID})
	return c.sync.Open(ctx, conversationID)
}

// OpenWithPeer finds or creates the conversation with peerID and opens it.
func (c *Client) OpenWithPeer(ctx context.Context, peerID string) (model.Conversation, error) {
	if !c.machine.Current().HasIdentity() {
		return model.Conversation{}, ErrSignedOut
	}
	conv, err := c.conversations.StartOrReuse(ctx, peerID)
	if err != nil {
		return model.Conversation{}, err
	}
	return conv, c.Open(ctx, conv.ID)
}

// CloseConversation stops polling and clears the composer target.
func (c *Client) CloseConversation() {
	c.sync.Close()
	c.closePlaybacks()
	c.composer.SetTarget(composer.Target{})
}

// OpenConversation returns the polled conversation id, if any.
func (c *Client) OpenConversation() (string, bool) { return c.sync.OpenConversation() }

// RefreshMessages fetches the open conversation now instead of waiting for
// the next poll.
func (c *Client) RefreshMessages(ctx context.Context) error {
	id, ok := c.sync.OpenConversation()
	if !ok {
		return msgsync.ErrNotOpen
	}
	return c.sync.Refresh(ctx, id)
}

// Messages returns the open conversation's history.
func (c *Client) Messages() []model.Message { return c.sync.Messages() }

// Search looks up text and transcriptions in the session index. With
// inOpen set it is limited to the open conversation.
func (c *Client) Search(query string, inOpen bool, limit int) ([]store.SearchResult, error) {
	convID := ""
	if inOpen {
		id, ok := c.sync.OpenConversation()
		if !ok {
			return nil, msgsync.ErrNotOpen
		}
		convID = id
	}
	return c.db.SearchMessages(query, convID, limit)
}

// TogglePlayback plays or pauses the voice message messageID of the open
// conversation. Playback state is kept per message.
func (c *Client) TogglePlayback(messageID string) (*voice.Playback, error) {
	c.mu.Lock()
	p, ok := c.playbacks[messageID]
	c.mu.Unlock()
	if !ok {
		var msg model.Message
		found := false
		for _, m := range c.sync.Messages() {
			if m.ID == messageID {
				msg, found = m, true
				break
			}
		}
		if !found {
			return nil, ErrUnknownMessage
		}
		if !msg.IsVoice() {
			return nil, ErrNotVoice
		}
		var err error
		p, err = voice.NewPlayback(msg, c.newPlayer(msg), c.arbiter, c.bus)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if existing, ok := c.playbacks[messageID]; ok {
			p = existing
		} else {
			c.playbacks[messageID] = p
		}
		c.mu.Unlock()
	}
	return p, p.Toggle()
}

func (c *Client) closePlaybacks() {
	c.mu.Lock()
	playbacks := c.playbacks
	c.playbacks = make(map[string]*voice.Playback)
	c.mu.Unlock()
	for _, p := range playbacks {
		_ = p.Close()
	}
}
