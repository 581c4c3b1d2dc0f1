package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/maksum/internal/bus"
	"github.com/matheus3301/maksum/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc, b *bus.Bus) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", Token: "tok", MaxFailures: 2, OpenTimeout: time.Minute}, b, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsBadScheme(t *testing.T) {
	if _, err := New(Config{BaseURL: "ftp://example.com"}, nil, nil); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func TestListConversationsNumericIDs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		io.WriteString(w, `[
			{"id": 42, "peer_id": 7, "peer_username": "ana", "last_message_type": "voice",
			 "last_message_preview": "ignored", "last_message_at": "2026-10-18 09:00:00"},
			{"id": "43", "peer_id": "8", "peer_display_name": "Bo", "last_message_preview": "hey"}
		]`)
	}, nil)

	convs, err := c.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	first := convs[0]
	if first.ID != "42" || first.PeerID != "7" || first.PeerDisplayName != "ana" {
		t.Errorf("first = %+v", first)
	}
	if !first.HasVoicePreview() {
		t.Errorf("preview = %q, want voice marker", first.LastMessagePreview)
	}
	want := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	if !first.LastMessageAt.Equal(want) {
		t.Errorf("LastMessageAt = %v, want %v", first.LastMessageAt, want)
	}
	if convs[1].PeerDisplayName != "Bo" || convs[1].LastMessagePreview != "hey" {
		t.Errorf("second = %+v", convs[1])
	}
}

func TestListMessagesDecodesPayloads(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/C42/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.RawQuery != "" {
			t.Errorf("zero cursor sent query %q", r.URL.RawQuery)
		}
		io.WriteString(w, `[
			{"id": 1, "sender_id": 7, "content": "hello", "created_at": "2026-10-18T09:00:00Z"},
			{"id": 2, "sender_id": 9, "message_type": "voice", "audio_url": "/a/2.wav",
			 "duration_seconds": 7.4, "transcription": null, "created_at": "2026-10-18T09:01:00.5Z"}
		]`)
	}, nil)

	msgs, err := c.ListMessages(context.Background(), "C42", model.Cursor{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Text != "hello" || msgs[0].ConversationID != "C42" || msgs[0].IsVoice() {
		t.Errorf("text message = %+v", msgs[0])
	}
	v := msgs[1].Voice
	if v == nil || v.AudioRef != "/a/2.wav" || v.DurationSeconds == nil || *v.DurationSeconds != 7.4 {
		t.Fatalf("voice message = %+v", msgs[1])
	}
	if v.Transcription != nil {
		t.Errorf("transcription = %q, want nil", *v.Transcription)
	}
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			t.Errorf("message %s: %v", m.ID, err)
		}
	}
}

func TestListMessagesSendsCursor(t *testing.T) {
	after := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("since"); got != after.Format(time.RFC3339Nano) {
			t.Errorf("since = %q", got)
		}
		if got := r.URL.Query().Get("after_id"); got != "17" {
			t.Errorf("after_id = %q", got)
		}
		io.WriteString(w, `[]`)
	}, nil)

	msgs, err := c.ListMessages(context.Background(), "C1", model.Cursor{After: after, AfterID: "17"})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0", len(msgs))
	}
}

func TestSendTextToPeer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messages/send" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["to_user_id"] != "7" || body["content"] != "hi" || body["client_msg_id"] != "m-1" {
			t.Errorf("body = %v", body)
		}
		if _, ok := body["conversation_id"]; ok {
			t.Errorf("conversation_id should be omitted: %v", body)
		}
		io.WriteString(w, `{"status": "sent", "conversation_id": 99}`)
	}, nil)

	msg, err := c.SendTextMessage(context.Background(), model.TextSend{PeerID: "7", Text: "hi", ClientMsgID: "m-1"})
	if err != nil {
		t.Fatalf("SendTextMessage: %v", err)
	}
	if msg.ConversationID != "99" || msg.Text != "hi" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestSendVoiceEmbeddedMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body sendVoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.ConversationID != "C42" || body.DurationSeconds != 3.2 || body.AudioBase64 != "UklGRg==" {
			t.Errorf("body = %+v", body)
		}
		io.WriteString(w, `{"message": {"id": 5, "sender_id": 1, "message_type": "voice",
			"audio_url": "/a/5.wav", "duration_seconds": 3.2, "created_at": "2026-10-18T10:00:00Z"}}`)
	}, nil)

	msg, err := c.SendVoiceMessage(context.Background(), model.VoiceSend{
		ConversationID: "C42", AudioBase64: "UklGRg==", DurationSeconds: 3.2, ClientMsgID: "v-1",
	})
	if err != nil {
		t.Fatalf("SendVoiceMessage: %v", err)
	}
	if msg.ID != "5" || msg.ConversationID != "C42" || !msg.IsVoice() {
		t.Errorf("msg = %+v", msg)
	}
}

func TestUnauthorized(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("api.", 4)
	defer unsub()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}, b)

	_, err := c.GetProfile(context.Background())
	if !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	select {
	case evt := <-events:
		if evt.Kind != bus.KindAPIUnauthorized {
			t.Errorf("event kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unauthorized event")
	}
}

func TestStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such user", http.StatusNotFound)
	}, nil)

	_, err := c.FindOrCreateConversation(context.Background(), "404")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusNotFound || se.Body != "no such user" || se.Temporary() {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("api.", 4)
	defer unsub()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, b)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := c.Ping(ctx); err == nil {
			t.Fatal("expected error from 502")
		}
	}
	err := c.Ping(ctx)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("server saw %d calls, want 2", n)
	}

	select {
	case evt := <-events:
		change, ok := evt.Payload.(BreakerChange)
		if evt.Kind != bus.KindAPIBreaker || !ok || change.To != "open" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for breaker event")
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}, nil)

	for i := 0; i < 5; i++ {
		err := c.Ping(context.Background())
		if errors.Is(err, ErrUnavailable) {
			t.Fatal("breaker opened on 4xx responses")
		}
	}
}

func TestSetToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer fresh" {
			t.Errorf("Authorization = %q", got)
		}
		io.WriteString(w, `{"id": 1, "username": "me", "status": "inactive", "avatar_url": null}`)
	}, nil)
	c.SetToken("fresh")

	p, err := c.GetProfile(context.Background())
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.ID != "1" || p.Status != model.PresenceInactive || p.AvatarURL != "" {
		t.Errorf("profile = %+v", p)
	}
}
