package restapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/matheus3301/maksum/internal/model"
)

// ListConversations fetches every conversation of the signed-in user.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var dtos []conversationDTO
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &dtos); err != nil {
		return nil, err
	}
	convs := make([]model.Conversation, 0, len(dtos))
	for _, d := range dtos {
		convs = append(convs, d.toModel())
	}
	return convs, nil
}

// FindOrCreateConversation returns the conversation with peerID, creating it
// on the server if needed.
func (c *Client) FindOrCreateConversation(ctx context.Context, peerID string) (model.Conversation, error) {
	if peerID == "" {
		return model.Conversation{}, errors.New("find conversation: empty peer id")
	}
	var dto conversationDTO
	err := c.do(ctx, http.MethodPost, "/conversations", nil, createConversationRequest{PeerID: peerID}, &dto)
	if err != nil {
		return model.Conversation{}, err
	}
	conv := dto.toModel()
	if conv.PeerID == "" {
		conv.PeerID = peerID
	}
	return conv, nil
}

// ListMessages fetches the history of a conversation. A zero cursor asks
// for everything.
func (c *Client) ListMessages(ctx context.Context, conversationID string, since model.Cursor) ([]model.Message, error) {
	if conversationID == "" {
		return nil, errors.New("list messages: empty conversation id")
	}
	var query url.Values
	if !since.IsZero() {
		query = url.Values{}
		if !since.After.IsZero() {
			query.Set("since", since.After.UTC().Format(time.RFC3339Nano))
		}
		if since.AfterID != "" {
			query.Set("after_id", since.AfterID)
		}
	}
	var dtos []messageDTO
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, query, nil, &dtos); err != nil {
		return nil, err
	}
	msgs := make([]model.Message, 0, len(dtos))
	for _, d := range dtos {
		msgs = append(msgs, d.toModel(conversationID))
	}
	return msgs, nil
}

// SendTextMessage posts a text message either into a conversation or to a
// peer.
func (c *Client) SendTextMessage(ctx context.Context, req model.TextSend) (model.Message, error) {
	if req.ConversationID == "" && req.PeerID == "" {
		return model.Message{}, errors.New("send text: no conversation or peer")
	}
	body := sendTextRequest{
		ConversationID: req.ConversationID,
		Content:        req.Text,
		ClientMsgID:    req.ClientMsgID,
	}
	if req.ConversationID == "" {
		body.ToUserID = req.PeerID
	}
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/messages/send", nil, body, &resp); err != nil {
		return model.Message{}, err
	}
	return resp.toModel(req.ConversationID, model.Message{Text: req.Text}), nil
}

// SendVoiceMessage posts an encoded voice note.
func (c *Client) SendVoiceMessage(ctx context.Context, req model.VoiceSend) (model.Message, error) {
	if req.ConversationID == "" {
		return model.Message{}, errors.New("send voice: empty conversation id")
	}
	body := sendVoiceRequest{
		ConversationID:  req.ConversationID,
		AudioBase64:     req.AudioBase64,
		DurationSeconds: req.DurationSeconds,
		ClientMsgID:     req.ClientMsgID,
	}
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/messages/voice", nil, body, &resp); err != nil {
		return model.Message{}, err
	}
	d := req.DurationSeconds
	return resp.toModel(req.ConversationID, model.Message{Voice: &model.Voice{DurationSeconds: &d}}), nil
}

// Ping marks the signed-in user as active.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/users/me/ping", nil, nil, nil)
}

// GetProfile fetches the signed-in user's profile.
func (c *Client) GetProfile(ctx context.Context) (model.Profile, error) {
	var dto profileDTO
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, nil, &dto); err != nil {
		return model.Profile{}, err
	}
	return dto.toModel(), nil
}

// toModel returns the created message, or a stand-in built from sent when
// the server only acknowledged.
func (r sendResponse) toModel(conversationID string, sent model.Message) model.Message {
	if r.ConversationID != "" {
		conversationID = string(r.ConversationID)
	}
	if r.Message != nil {
		return r.Message.toModel(conversationID)
	}
	sent.ConversationID = conversationID
	sent.CreatedAt = time.Now().UTC()
	return sent
}
