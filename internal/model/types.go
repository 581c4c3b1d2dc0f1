package model

import "time"

// VoicePreview replaces the last-message preview of a conversation whose
// latest message is a voice note.
const VoicePreview = "[voice]"

// Conversation is a peer-to-peer thread as listed by the server.
// Peer fields are denormalized copies and may lag behind the profile.
type Conversation struct {
	ID                  string
	PeerID              string
	PeerDisplayName     string
	PeerAvatarRef       string
	LastMessagePreview  string
	LastMessageSenderID string
	LastMessageAt       time.Time
}

// HasVoicePreview reports whether the latest message was a voice note.
func (c Conversation) HasVoicePreview() bool {
	return c.LastMessagePreview == VoicePreview
}

// Voice is the payload of a voice message. DurationSeconds and Transcription
// are nil until the server knows them; Transcription may be backfilled on a
// later poll.
type Voice struct {
	AudioRef        string
	DurationSeconds *float64
	Transcription   *string
}

// Message carries exactly one payload: Text or Voice.
// Messages are immutable once created; a later snapshot may only backfill
// Voice.Transcription.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	CreatedAt      time.Time
	Text           string
	Voice          *Voice
}

// IsVoice reports whether the message carries a voice payload.
func (m Message) IsVoice() bool {
	return m.Voice != nil
}

// Validate checks the exactly-one-payload rule.
func (m Message) Validate() error {
	switch {
	case m.Voice != nil && m.Text != "":
		return ErrAmbiguousPayload
	case m.Voice == nil && m.Text == "":
		return ErrEmptyPayload
	}
	return nil
}

// Presence is the server-derived online status of a user.
type Presence string

const (
	PresenceOnline   Presence = "online"
	PresenceInactive Presence = "inactive"
	PresenceOffline  Presence = "offline"
)

// ParsePresence maps a server status string, defaulting to offline.
func ParsePresence(s string) Presence {
	switch Presence(s) {
	case PresenceOnline, PresenceInactive:
		return Presence(s)
	default:
		return PresenceOffline
	}
}

// Profile is the signed-in user's authoritative profile.
type Profile struct {
	ID        string
	Username  string
	Email     string
	AvatarURL string
	Status    Presence
	LastSeen  time.Time
}

// Cursor marks a position in a conversation's history. The zero Cursor asks
// for the full history.
type Cursor struct {
	After   time.Time
	AfterID string
}

// IsZero reports whether the cursor asks for the full history.
func (c Cursor) IsZero() bool {
	return c.After.IsZero() && c.AfterID == ""
}
