package model

import "context"

// TextSend is an outgoing text message. Either ConversationID or PeerID must
// be set; PeerID lets the server find or create the conversation.
type TextSend struct {
	ConversationID string
	PeerID         string
	Text           string
	ClientMsgID    string
}

// VoiceSend is an outgoing voice note, already encoded for transport.
type VoiceSend struct {
	ConversationID  string
	AudioBase64     string
	DurationSeconds float64
	ClientMsgID     string
}

// API is the backend collaborator consumed by the messaging core.
type API interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	FindOrCreateConversation(ctx context.Context, peerID string) (Conversation, error)
	ListMessages(ctx context.Context, conversationID string, since Cursor) ([]Message, error)
	SendTextMessage(ctx context.Context, req TextSend) (Message, error)
	SendVoiceMessage(ctx context.Context, req VoiceSend) (Message, error)
	Ping(ctx context.Context) error
	GetProfile(ctx context.Context) (Profile, error)
}
