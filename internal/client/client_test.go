package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/maksum/internal/apitest"
	"github.com/matheus3301/maksum/internal/bus"
	"github.com/matheus3301/maksum/internal/model"
	"github.com/matheus3301/maksum/internal/presence"
	"github.com/matheus3301/maksum/internal/restapi"
	"github.com/matheus3301/maksum/internal/status"
	"github.com/matheus3301/maksum/internal/store"
	"github.com/matheus3301/maksum/internal/voice"
)

var t0 = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

type fakePlayer struct {
	plays, pauses atomic.Int32
}

func (p *fakePlayer) Play() error {
	p.plays.Add(1)
	return nil
}

func (p *fakePlayer) Pause() error {
	p.pauses.Add(1)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
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

func newTestClient(t *testing.T, api *apitest.Fake, b *bus.Bus, player voice.Player) *Client {
	t.Helper()
	cfg := Config{
		API:          api,
		DB:           testDB(t),
		Bus:          b,
		PollInterval: time.Hour,
		Presence:     presence.Config{PingInterval: time.Hour, RefreshInterval: time.Hour},
	}
	if player != nil {
		cfg.NewPlayer = func(model.Message) voice.Player { return player }
	}
	c := New(cfg)
	t.Cleanup(c.Stop)
	return c
}

func seed(api *apitest.Fake) {
	api.SetProfile(model.Profile{ID: "me", Username: "ana", Status: model.PresenceOnline})
	api.AddConversation(model.Conversation{ID: "C1", PeerID: "u1", PeerDisplayName: "Bruno"})
	api.AddConversation(model.Conversation{ID: "C2", PeerID: "u2", PeerDisplayName: "Carla"})
	d := 4.2
	api.AddMessage(model.Message{ID: "1", ConversationID: "C1", SenderID: "u1", CreatedAt: t0, Text: "bom dia"})
	api.AddMessage(model.Message{ID: "2", ConversationID: "C1", SenderID: "u1", CreatedAt: t0.Add(time.Second),
		Voice: &model.Voice{AudioRef: "/audio/2.wav", DurationSeconds: &d}})
}

func TestSignInStartsBackgroundWork(t *testing.T) {
	api := apitest.New()
	seed(api)
	c := newTestClient(t, api, bus.New(), nil)

	p, err := c.SignIn(context.Background())
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if p.Username != "ana" {
		t.Errorf("profile = %+v", p)
	}
	if got := c.State(); got != status.Online {
		t.Errorf("State() = %s, want ONLINE", got)
	}
	waitFor(t, "conversation list", func() bool { return len(c.Conversations()) == 2 })
	waitFor(t, "first ping", func() bool { return api.Calls("Ping") == 1 })

	again, err := c.SignIn(context.Background())
	if err != nil || again.ID != "me" {
		t.Errorf("second SignIn() = %+v, %v", again, err)
	}
}

func TestSignInUnauthorized(t *testing.T) {
	api := apitest.New()
	api.OnGetProfile = func(context.Context) (model.Profile, error) {
		return model.Profile{}, model.ErrUnauthorized
	}
	c := newTestClient(t, api, bus.New(), nil)

	if _, err := c.SignIn(context.Background()); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("SignIn() = %v, want ErrUnauthorized", err)
	}
	if got := c.State(); got != status.AuthRequired {
		t.Errorf("State() = %s, want AUTH_REQUIRED", got)
	}
	if err := c.Open(context.Background(), "C1"); !errors.Is(err, ErrSignedOut) {
		t.Errorf("Open() = %v, want ErrSignedOut", err)
	}
	if got := api.Calls("Ping"); got != 0 {
		t.Errorf("Ping calls = %d, want 0 without an identity", got)
	}
}

func TestSignInTransientFailure(t *testing.T) {
	api := apitest.New()
	var fail atomic.Bool
	fail.Store(true)
	api.OnGetProfile = func(context.Context) (model.Profile, error) {
		if fail.Load() {
			return model.Profile{}, errors.New("connection refused")
		}
		return model.Profile{ID: "me"}, nil
	}
	c := newTestClient(t, api, bus.New(), nil)

	if _, err := c.SignIn(context.Background()); err == nil {
		t.Fatal("SignIn: want error")
	}
	if got := c.State(); got != status.Error {
		t.Errorf("State() = %s, want ERROR", got)
	}
	fail.Store(false)
	if _, err := c.SignIn(context.Background()); err != nil {
		t.Fatalf("retry SignIn: %v", err)
	}
	if got := c.State(); got != status.Online {
		t.Errorf("State() = %s, want ONLINE", got)
	}
}

func TestIdentityLostFromHeartbeat(t *testing.T) {
	api := apitest.New()
	seed(api)
	var calls atomic.Int32
	api.OnGetProfile = func(context.Context) (model.Profile, error) {
		if calls.Add(1) == 1 {
			return model.Profile{ID: "me"}, nil
		}
		return model.Profile{}, model.ErrUnauthorized
	}
	b := bus.New()
	c := New(Config{
		API:          api,
		DB:           testDB(t),
		Bus:          b,
		PollInterval: time.Hour,
		Presence:     presence.Config{PingInterval: time.Hour, RefreshInterval: 5 * time.Millisecond},
	})
	defer c.Stop()

	if _, err := c.SignIn(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "auth required", func() bool { return c.State() == status.AuthRequired })
	if _, ok := c.Profile(); ok {
		t.Error("profile kept after identity loss")
	}
	if _, ok := c.OpenConversation(); ok {
		t.Error("conversation still open after identity loss")
	}
}

func TestAPIEvents(t *testing.T) {
	api := apitest.New()
	seed(api)
	b := bus.New()
	c := newTestClient(t, api, b, nil)
	c.Start(context.Background())

	if _, err := c.SignIn(context.Background()); err != nil {
		t.Fatal(err)
	}

	b.Emit(bus.KindAPIBreaker, restapi.BreakerChange{From: "closed", To: "open"})
	waitFor(t, "degraded", func() bool { return c.State() == status.Degraded })
	b.Emit(bus.KindAPIBreaker, restapi.BreakerChange{From: "half-open", To: "closed"})
	waitFor(t, "online", func() bool { return c.State() == status.Online })

	if err := c.Open(context.Background(), "C1"); err != nil {
		t.Fatal(err)
	}
	b.Emit(bus.KindAPIUnauthorized, nil)
	waitFor(t, "auth required", func() bool { return c.State() == status.AuthRequired })
	if _, ok := c.OpenConversation(); ok {
		t.Error("conversation still open after identity loss")
	}
	if n := len(c.Conversations()); n != 0 {
		t.Errorf("conversations kept after identity loss: %d", n)
	}
}

func TestOpenAndSignOut(t *testing.T) {
	api := apitest.New()
	seed(api)
	c := newTestClient(t, api, bus.New(), nil)
	if _, err := c.SignIn(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "conversation list", func() bool { return len(c.Conversations()) == 2 })

	if err := c.Open(context.Background(), "C1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := c.Composer().Target(); got.ConversationID != "C1" || got.PeerID != "u1" {
		t.Errorf("composer target = %+v", got)
	}
	if n := len(c.Messages()); n != 2 {
		t.Errorf("Messages() = %d, want 2", n)
	}

	results, err := c.Search("bom", true, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Message.ID != "1" {
		t.Errorf("Search() = %+v", results)
	}

	c.SignOut()
	if got := c.State(); got != status.SignedOut {
		t.Errorf("State() = %s, want SIGNED_OUT", got)
	}
	if _, ok := c.OpenConversation(); ok {
		t.Error("conversation still open after sign-out")
	}
	if got := c.Composer().Target(); !got.IsZero() {
		t.Errorf("composer target = %+v after sign-out", got)
	}
	if results, err := c.Search("bom", false, 10); err != nil || len(results) != 0 {
		t.Errorf("Search() after sign-out = %+v, %v; want index cleared", results, err)
	}
	c.SignOut()
}

func TestOpenWithPeer(t *testing.T) {
	api := apitest.New()
	seed(api)
	c := newTestClient(t, api, bus.New(), nil)
	if _, err := c.SignIn(context.Background()); err != nil {
		t.Fatal(err)
	}

	conv, err := c.OpenWithPeer(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID != "C2" {
		t.Errorf("OpenWithPeer(u2) = %s, want existing C2", conv.ID)
	}
	if id, ok := c.OpenConversation(); !ok || id != "C2" {
		t.Errorf("OpenConversation() = %q, %v", id, ok)
	}

	fresh, err := c.OpenWithPeer(context.Background(), "u9")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == "" || fresh.ID == "C1" || fresh.ID == "C2" {
		t.Errorf("OpenWithPeer(u9) = %+v, want a new conversation", fresh)
	}
}

func TestTogglePlayback(t *testing.T) {
	api := apitest.New()
	seed(api)
	player := &fakePlayer{}
	c := newTestClient(t, api, bus.New(), player)
	if _, err := c.SignIn(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Open(context.Background(), "C1"); err != nil {
		t.Fatal(err)
	}

	if _, err := c.TogglePlayback("1"); !errors.Is(err, ErrNotVoice) {
		t.Errorf("TogglePlayback(text) = %v, want ErrNotVoice", err)
	}
	if _, err := c.TogglePlayback("404"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("TogglePlayback(missing) = %v, want ErrUnknownMessage", err)
	}

	p, err := c.TogglePlayback("2")
	if err != nil {
		t.Fatal(err)
	}
	if got := p.State().Duration; got != 4.2 {
		t.Errorf("Duration = %v, want declared 4.2", got)
	}
	if got := player.plays.Load(); got != 1 {
		t.Errorf("plays = %d, want 1", got)
	}

	same, err := c.TogglePlayback("2")
	if err != nil {
		t.Fatal(err)
	}
	if same != p {
		t.Error("second toggle created a new playback")
	}
}
