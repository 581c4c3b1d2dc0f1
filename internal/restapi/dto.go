package restapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/maksum/internal/model"
)

// flexID accepts ids encoded as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

// Timestamps without a zone are the server's UTC wall clock.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

type flexTime time.Time

func (f *flexTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = flexTime{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		*f = flexTime{}
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			*f = flexTime(t)
			return nil
		}
	}
	return fmt.Errorf("timestamp %q: unrecognized format", s)
}

func (f flexTime) Time() time.Time { return time.Time(f) }

type conversationDTO struct {
	ID                  flexID   `json:"id"`
	PeerID              flexID   `json:"peer_id"`
	PeerDisplayName     string   `json:"peer_display_name"`
	PeerUsername        string   `json:"peer_username"`
	PeerAvatarURL       string   `json:"peer_avatar_url"`
	LastMessagePreview  string   `json:"last_message_preview"`
	LastMessageType     string   `json:"last_message_type"`
	LastMessageSenderID flexID   `json:"last_message_sender_id"`
	LastMessageAt       flexTime `json:"last_message_at"`
}

func (d conversationDTO) toModel() model.Conversation {
	name := d.PeerDisplayName
	if name == "" {
		name = d.PeerUsername
	}
	preview := d.LastMessagePreview
	if d.LastMessageType == "voice" {
		preview = model.VoicePreview
	}
	return model.Conversation{
		ID:                  string(d.ID),
		PeerID:              string(d.PeerID),
		PeerDisplayName:     name,
		PeerAvatarRef:       d.PeerAvatarURL,
		LastMessagePreview:  preview,
		LastMessageSenderID: string(d.LastMessageSenderID),
		LastMessageAt:       d.LastMessageAt.Time(),
	}
}

type messageDTO struct {
	ID              flexID   `json:"id"`
	ConversationID  flexID   `json:"conversation_id"`
	SenderID        flexID   `json:"sender_id"`
	Content         string   `json:"content"`
	MessageType     string   `json:"message_type"`
	AudioURL        string   `json:"audio_url"`
	DurationSeconds *float64 `json:"duration_seconds"`
	Transcription   *string  `json:"transcription"`
	CreatedAt       flexTime `json:"created_at"`
}

// toModel converts the wire form. Messages listed under a conversation may
// omit their conversation id.
func (d messageDTO) toModel(conversationID string) model.Message {
	m := model.Message{
		ID:             string(d.ID),
		ConversationID: string(d.ConversationID),
		SenderID:       string(d.SenderID),
		CreatedAt:      d.CreatedAt.Time(),
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	if d.MessageType == "voice" || d.AudioURL != "" {
		m.Voice = &model.Voice{
			AudioRef:        d.AudioURL,
			DurationSeconds: d.DurationSeconds,
			Transcription:   d.Transcription,
		}
		return m
	}
	m.Text = d.Content
	return m
}

type profileDTO struct {
	ID        flexID   `json:"id"`
	Username  string   `json:"username"`
	Email     string   `json:"email"`
	AvatarURL *string  `json:"avatar_url"`
	Status    string   `json:"status"`
	LastSeen  flexTime `json:"last_seen"`
}

func (d profileDTO) toModel() model.Profile {
	p := model.Profile{
		ID:       string(d.ID),
		Username: d.Username,
		Email:    d.Email,
		Status:   model.ParsePresence(d.Status),
		LastSeen: d.LastSeen.Time(),
	}
	if d.AvatarURL != nil {
		p.AvatarURL = *d.AvatarURL
	}
	return p
}

type createConversationRequest struct {
	PeerID string `json:"peer_id"`
}

type sendTextRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	ToUserID       string `json:"to_user_id,omitempty"`
	Content        string `json:"content"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
}

type sendVoiceRequest struct {
	ConversationID  string  `json:"conversation_id"`
	AudioBase64     string  `json:"audio_base64"`
	DurationSeconds float64 `json:"duration_seconds"`
	ClientMsgID     string  `json:"client_msg_id,omitempty"`
}

// sendResponse is either the created message or a bare acknowledgement
// naming the conversation the message landed in.
type sendResponse struct {
	Status         string      `json:"status"`
	ConversationID flexID      `json:"conversation_id"`
	Message        *messageDTO `json:"message"`
}
