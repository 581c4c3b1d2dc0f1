// Package apitest provides an in-memory model.API for tests.
package apitest

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/matheus3301/maksum/internal/model"
)

// Fake is an in-memory backend. The On* hooks, when set, replace the
// built-in behaviour of the matching method; they run without the lock held
// so they may block. Set hooks before the fake is shared.
type Fake struct {
	OnListConversations func(ctx context.Context) ([]model.Conversation, error)
	OnFindOrCreate      func(ctx context.Context, peerID string) (model.Conversation, error)
	OnListMessages      func(ctx context.Context, conversationID string, since model.Cursor) ([]model.Message, error)
	OnSendText          func(ctx context.Context, req model.TextSend) (model.Message, error)
	OnSendVoice         func(ctx context.Context, req model.VoiceSend) (model.Message, error)
	OnPing              func(ctx context.Context) error
	OnGetProfile        func(ctx context.Context) (model.Profile, error)

	// Now stamps created messages; defaults to time.Now.
	Now func() time.Time
	// SelfID is the sender id of messages sent through the fake.
	SelfID string

	mu            sync.Mutex
	conversations []model.Conversation
	messages      map[string][]model.Message
	profile       model.Profile
	nextID        int
	calls         map[string]int
	textSends     []model.TextSend
	voiceSends    []model.VoiceSend
}

var _ model.API = (*Fake)(nil)

// New returns an empty fake backend.
func New() *Fake {
	return &Fake{
		SelfID:   "me",
		messages: make(map[string][]model.Message),
		calls:    make(map[string]int),
		nextID:   1000,
	}
}

// AddConversation appends c to the server-side list.
func (f *Fake) AddConversation(c model.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations = append(f.conversations, c)
}

// AddMessage appends m to a conversation's server-side history.
func (f *Fake) AddMessage(m model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m.ConversationID] = append(f.messages[m.ConversationID], m)
}

// SetTranscription backfills the transcription of a voice message.
func (f *Fake) SetTranscription(conversationID, messageID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.messages[conversationID] {
		if m.ID == messageID && m.Voice != nil {
			v := *m.Voice
			v.Transcription = &text
			f.messages[conversationID][i].Voice = &v
		}
	}
}

// SetProfile sets what GetProfile returns.
func (f *Fake) SetProfile(p model.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profile = p
}

// Calls returns how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TextSends returns every text send request received.
func (f *Fake) TextSends() []model.TextSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.textSends)
}

// VoiceSends returns every voice send request received.
func (f *Fake) VoiceSends() []model.VoiceSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.voiceSends)
}

func (f *Fake) record(method string) {
	f.mu.Lock()
	f.calls[method]++
	f.mu.Unlock()
}

func (f *Fake) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now().UTC()
}

func (f *Fake) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	f.record("ListConversations")
	if f.OnListConversations != nil {
		return f.OnListConversations(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.conversations), nil
}

func (f *Fake) FindOrCreateConversation(ctx context.Context, peerID string) (model.Conversation, error) {
	f.record("FindOrCreateConversation")
	if f.OnFindOrCreate != nil {
		return f.OnFindOrCreate(ctx, peerID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conversations {
		if c.PeerID == peerID {
			return c, nil
		}
	}
	f.nextID++
	c := model.Conversation{ID: "C" + strconv.Itoa(f.nextID), PeerID: peerID, PeerDisplayName: peerID}
	f.conversations = append(f.conversations, c)
	return c, nil
}

func (f *Fake) ListMessages(ctx context.Context, conversationID string, since model.Cursor) ([]model.Message, error) {
	f.record("ListMessages")
	if f.OnListMessages != nil {
		return f.OnListMessages(ctx, conversationID, since)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.messages[conversationID]), nil
}

func (f *Fake) SendTextMessage(ctx context.Context, req model.TextSend) (model.Message, error) {
	f.record("SendTextMessage")
	f.mu.Lock()
	f.textSends = append(f.textSends, req)
	f.mu.Unlock()
	if f.OnSendText != nil {
		return f.OnSendText(ctx, req)
	}
	if req.ConversationID == "" {
		c, err := f.FindOrCreateConversation(ctx, req.PeerID)
		if err != nil {
			return model.Message{}, err
		}
		req.ConversationID = c.ID
	}
	return f.appendSent(model.Message{ConversationID: req.ConversationID, Text: req.Text}), nil
}

func (f *Fake) SendVoiceMessage(ctx context.Context, req model.VoiceSend) (model.Message, error) {
	f.record("SendVoiceMessage")
	f.mu.Lock()
	f.voiceSends = append(f.voiceSends, req)
	f.mu.Unlock()
	if f.OnSendVoice != nil {
		return f.OnSendVoice(ctx, req)
	}
	d := req.DurationSeconds
	return f.appendSent(model.Message{
		ConversationID: req.ConversationID,
		Voice:          &model.Voice{AudioRef: fmt.Sprintf("/audio/%s.wav", req.ClientMsgID), DurationSeconds: &d},
	}), nil
}

func (f *Fake) appendSent(m model.Message) model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m.ID = strconv.Itoa(f.nextID)
	m.SenderID = f.SelfID
	m.CreatedAt = f.now()
	f.messages[m.ConversationID] = append(f.messages[m.ConversationID], m)
	return m
}

func (f *Fake) Ping(ctx context.Context) error {
	f.record("Ping")
	if f.OnPing != nil {
		return f.OnPing(ctx)
	}
	return nil
}

func (f *Fake) GetProfile(ctx context.Context) (model.Profile, error) {
	f.record("GetProfile")
	if f.OnGetProfile != nil {
		return f.OnGetProfile(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile, nil
}
