package composer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/maksum/internal/apitest"
	"github.com/matheus3301/maksum/internal/bus"
	"github.com/matheus3301/maksum/internal/model"
	"github.com/matheus3301/maksum/internal/store"
	msgsync "github.com/matheus3301/maksum/internal/sync"
)

var t0 = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

type fakeRecorder struct {
	active  bool
	started []string
	stopped int
	cancels int
	err     error
}

func (r *fakeRecorder) Start(_ context.Context, conversationID string) error {
	if r.err != nil {
		return r.err
	}
	r.started = append(r.started, conversationID)
	r.active = true
	return nil
}

func (r *fakeRecorder) Stop(context.Context) (model.Message, error) {
	r.stopped++
	r.active = false
	return model.Message{ID: "v1"}, nil
}

func (r *fakeRecorder) Cancel() error {
	r.cancels++
	r.active = false
	return nil
}

func (r *fakeRecorder) Active() bool { return r.active }

// slowRecorder blocks in Start until release is closed.
type slowRecorder struct {
	entered chan struct{}
	release chan struct{}
	active  atomic.Bool
}

func (r *slowRecorder) Start(context.Context, string) error {
	close(r.entered)
	<-r.release
	r.active.Store(true)
	return nil
}

func (r *slowRecorder) Stop(context.Context) (model.Message, error) {
	r.active.Store(false)
	return model.Message{}, nil
}

func (r *slowRecorder) Cancel() error {
	r.active.Store(false)
	return nil
}

func (r *slowRecorder) Active() bool { return r.active.Load() }

type countingRefresher struct {
	ids []string
}

func (r *countingRefresher) Refresh(_ context.Context, conversationID string) error {
	r.ids = append(r.ids, conversationID)
	return nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSubmitTextRefreshesOpenConversation(t *testing.T) {
	api := apitest.New()
	api.Now = func() time.Time { return t0.Add(time.Minute) }
	api.AddMessage(model.Message{ID: "1", ConversationID: "C42", SenderID: "peer", CreatedAt: t0, Text: "hello"})
	api.AddMessage(model.Message{ID: "2", ConversationID: "C42", SenderID: "peer", CreatedAt: t0.Add(time.Second), Text: "there?"})

	ms := msgsync.New(api, testDB(t), nil, nil, nil, time.Hour)
	defer ms.Close()
	if err := ms.Open(context.Background(), "C42"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n := len(ms.Messages()); n != 2 {
		t.Fatalf("messages before send = %d, want 2", n)
	}

	c := New(api, ms, nil, nil, nil)
	c.SetTarget(Target{ConversationID: "C42"})
	c.SetDraft("  hi ")
	if _, err := c.SubmitText(context.Background()); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}

	msgs := ms.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages after send = %d, want 3", len(msgs))
	}
	if last := msgs[2]; last.Text != "hi" || last.SenderID != "me" {
		t.Errorf("last message = %+v, want text hi from me", last)
	}
	if got := c.Draft(); got != "" {
		t.Errorf("Draft() = %q, want empty", got)
	}
	sends := api.TextSends()
	if len(sends) != 1 || sends[0].ClientMsgID == "" {
		t.Errorf("sends = %+v, want one with a client message id", sends)
	}
	if got := api.Calls("ListMessages"); got != 2 {
		t.Errorf("ListMessages calls = %d, want 2", got)
	}
}

func TestSubmitTextFailureKeepsDraft(t *testing.T) {
	api := apitest.New()
	api.OnSendText = func(context.Context, model.TextSend) (model.Message, error) {
		return model.Message{}, errors.New("network down")
	}
	ref := &countingRefresher{}
	b := bus.New()
	events, unsub := b.Subscribe("composer.", 4)
	defer unsub()

	c := New(api, ref, nil, b, nil)
	c.SetTarget(Target{ConversationID: "C1"})
	c.SetDraft("don't lose me")
	if _, err := c.SubmitText(context.Background()); err == nil {
		t.Fatal("SubmitText: want error")
	}
	if got := c.Draft(); got != "don't lose me" {
		t.Errorf("Draft() = %q, want it kept", got)
	}
	if len(ref.ids) != 0 {
		t.Errorf("refreshed %v after a failed send", ref.ids)
	}
	if c.Sending() {
		t.Error("Sending() = true after the call returned")
	}

	var kinds []string
	for len(kinds) < 2 {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind)
		case <-time.After(time.Second):
			t.Fatalf("events = %v, want sending then failed", kinds)
		}
	}
	if kinds[0] != bus.KindComposerSending || kinds[1] != bus.KindComposerFailed {
		t.Errorf("events = %v", kinds)
	}
	if got := api.Calls("SendTextMessage"); got != 1 {
		t.Errorf("SendTextMessage calls = %d, want 1 (no retry)", got)
	}
}

func TestSubmitTextValidation(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		draft  string
		rec    *fakeRecorder
		want   error
	}{
		{"empty", Target{ConversationID: "C1"}, "", nil, ErrEmptyDraft},
		{"whitespace", Target{ConversationID: "C1"}, " \n\t ", nil, ErrEmptyDraft},
		{"no target", Target{}, "hi", nil, ErrNoTarget},
		{"recording", Target{ConversationID: "C1"}, "hi", &fakeRecorder{active: true}, ErrRecordingActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := apitest.New()
			var rec Recorder
			if tt.rec != nil {
				rec = tt.rec
			}
			c := New(api, nil, rec, nil, nil)
			c.SetTarget(tt.target)
			c.SetDraft(tt.draft)
			if _, err := c.SubmitText(context.Background()); !errors.Is(err, tt.want) {
				t.Errorf("SubmitText() = %v, want %v", err, tt.want)
			}
			if got := api.Calls("SendTextMessage"); got != 0 {
				t.Errorf("SendTextMessage calls = %d, want 0", got)
			}
			if got := c.Draft(); got != tt.draft {
				t.Errorf("Draft() = %q, want %q", got, tt.draft)
			}
		})
	}
}

func TestSubmitTextRejectsDoubleSubmit(t *testing.T) {
	api := apitest.New()
	entered := make(chan struct{})
	unblock := make(chan struct{})
	api.OnSendText = func(_ context.Context, req model.TextSend) (model.Message, error) {
		close(entered)
		<-unblock
		return model.Message{ID: "9", ConversationID: req.ConversationID, Text: req.Text}, nil
	}
	c := New(api, nil, nil, nil, nil)
	c.SetTarget(Target{ConversationID: "C1"})
	c.SetDraft("once")

	done := make(chan error, 1)
	go func() {
		_, err := c.SubmitText(context.Background())
		done <- err
	}()
	<-entered

	if _, err := c.SubmitText(context.Background()); !errors.Is(err, ErrSendInFlight) {
		t.Errorf("second SubmitText() = %v, want ErrSendInFlight", err)
	}
	if err := c.StartRecording(context.Background()); !errors.Is(err, ErrSendInFlight) {
		t.Errorf("StartRecording() during send = %v, want ErrSendInFlight", err)
	}
	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("first SubmitText: %v", err)
	}
	if got := api.Calls("SendTextMessage"); got != 1 {
		t.Errorf("SendTextMessage calls = %d, want 1", got)
	}
}

func TestDraftEditedDuringSendIsKept(t *testing.T) {
	api := apitest.New()
	c := New(api, nil, nil, nil, nil)
	api.OnSendText = func(_ context.Context, req model.TextSend) (model.Message, error) {
		c.SetDraft("next thought")
		return model.Message{ID: "9", ConversationID: req.ConversationID, Text: req.Text}, nil
	}
	c.SetTarget(Target{ConversationID: "C1"})
	c.SetDraft("first")
	if _, err := c.SubmitText(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := c.Draft(); got != "next thought" {
		t.Errorf("Draft() = %q, want the newer edit", got)
	}
}

func TestSubmitToPeerAdoptsConversation(t *testing.T) {
	api := apitest.New()
	ref := &countingRefresher{}
	c := New(api, ref, nil, nil, nil)
	c.SetTarget(Target{PeerID: "u7"})
	c.SetDraft("hey")

	msg, err := c.SubmitText(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if msg.ConversationID == "" {
		t.Fatal("sent message has no conversation")
	}
	if got := c.Target(); got.ConversationID != msg.ConversationID || got.PeerID != "u7" {
		t.Errorf("Target() = %+v, want conversation %s", got, msg.ConversationID)
	}
	if len(ref.ids) != 1 || ref.ids[0] != msg.ConversationID {
		t.Errorf("refreshed %v, want [%s]", ref.ids, msg.ConversationID)
	}
	sends := api.TextSends()
	if len(sends) != 1 || sends[0].PeerID != "u7" || sends[0].ConversationID != "" {
		t.Errorf("sends = %+v", sends)
	}
}

func TestSetTargetClearsDraftOnSwitch(t *testing.T) {
	c := New(apitest.New(), nil, nil, nil, nil)
	c.SetTarget(Target{ConversationID: "C1"})
	c.SetDraft("draft")
	c.SetTarget(Target{ConversationID: "C1"})
	if got := c.Draft(); got != "draft" {
		t.Errorf("same target: Draft() = %q", got)
	}
	c.SetTarget(Target{ConversationID: "C2"})
	if got := c.Draft(); got != "" {
		t.Errorf("new target: Draft() = %q, want empty", got)
	}
}

func TestRecordingDelegates(t *testing.T) {
	rec := &fakeRecorder{}
	c := New(apitest.New(), nil, rec, nil, nil)

	if err := c.StartRecording(context.Background()); !errors.Is(err, ErrNoTarget) {
		t.Errorf("StartRecording() without target = %v, want ErrNoTarget", err)
	}
	c.SetTarget(Target{ConversationID: "C9"})
	if err := c.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.Recording() {
		t.Error("Recording() = false while recording")
	}
	if _, err := c.StopRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.CancelRecording(); err != nil {
		t.Fatal(err)
	}
	if len(rec.started) != 1 || rec.started[0] != "C9" || rec.stopped != 1 || rec.cancels != 1 {
		t.Errorf("recorder = %+v", rec)
	}

	none := New(apitest.New(), nil, nil, nil, nil)
	none.SetTarget(Target{ConversationID: "C9"})
	if err := none.StartRecording(context.Background()); !errors.Is(err, ErrNoRecorder) {
		t.Errorf("StartRecording() without recorder = %v, want ErrNoRecorder", err)
	}
	if err := none.CancelRecording(); err != nil {
		t.Errorf("CancelRecording() without recorder = %v", err)
	}
}

func TestSubmitTextRefusedWhileRecordingStarts(t *testing.T) {
	api := apitest.New()
	rec := &slowRecorder{entered: make(chan struct{}), release: make(chan struct{})}
	c := New(api, nil, rec, nil, nil)
	c.SetTarget(Target{ConversationID: "C1"})
	c.SetDraft("typed")

	done := make(chan error, 1)
	go func() { done <- c.StartRecording(context.Background()) }()
	<-rec.entered

	if _, err := c.SubmitText(context.Background()); !errors.Is(err, ErrRecordingActive) {
		t.Errorf("SubmitText() while recording starts = %v, want ErrRecordingActive", err)
	}
	if err := c.StartRecording(context.Background()); !errors.Is(err, ErrRecordingActive) {
		t.Errorf("second StartRecording() = %v, want ErrRecordingActive", err)
	}
	if !c.Recording() {
		t.Error("Recording() = false while recording starts")
	}
	close(rec.release)
	if err := <-done; err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if got := api.Calls("SendTextMessage"); got != 0 {
		t.Errorf("SendTextMessage calls = %d, want 0", got)
	}
	if got := c.Draft(); got != "typed" {
		t.Errorf("Draft() = %q, want it kept", got)
	}
}
