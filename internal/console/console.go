// Package console is a line-oriented front end for the messaging core. It
// reads slash commands, prints what the core publishes on the bus, and never
// blocks the core on its own output.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/maksum/internal/bus"
	"github.com/matheus3301/maksum/internal/client"
	"github.com/matheus3301/maksum/internal/composer"
	"github.com/matheus3301/maksum/internal/model"
	"github.com/matheus3301/maksum/internal/status"
	msgsync "github.com/matheus3301/maksum/internal/sync"
	"github.com/matheus3301/maksum/internal/task"
	"github.com/matheus3301/maksum/internal/timefmt"
	"github.com/matheus3301/maksum/internal/voice"
)

// ErrQuit is returned by Exec for /quit.
var ErrQuit = errors.New("quit")

const searchLimit = 20

// Console drives a client from text lines.
type Console struct {
	client   *client.Client
	bus      *bus.Bus
	in       io.Reader
	logger   *zap.Logger
	registry *Registry

	// Now is the clock used for timestamps; tests replace it.
	Now func() time.Time

	outMu sync.Mutex
	out   io.Writer

	mu          sync.Mutex
	editRelease func()
	seen        map[string]bool
}

// New creates a console reading commands from in and printing to out.
func New(c *client.Client, b *bus.Bus, in io.Reader, out io.Writer, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	con := &Console{
		client:   c,
		bus:      b,
		in:       in,
		out:      out,
		logger:   logger.Named("console"),
		registry: NewRegistry(),
		Now:      time.Now,
		seen:     make(map[string]bool),
	}
	con.register()
	return con
}

func (c *Console) register() {
	r := c.registry
	r.Add("help", &Action{Usage: "/help", Description: "list commands", Handler: c.cmdHelp})
	r.Add("login", &Action{Usage: "/login", Description: "sign in with the configured token", Handler: c.cmdLogin})
	r.Add("logout", &Action{Usage: "/logout", Description: "sign out and stop background work", Handler: c.cmdLogout})
	r.Add("status", &Action{Usage: "/status", Description: "show session state", Handler: c.cmdStatus})
	r.Add("convs", &Action{Usage: "/convs [filter]", Description: "list conversations", Handler: c.cmdConvs})
	r.Add("refresh", &Action{Usage: "/refresh", Description: "reload the conversation list", Handler: c.cmdRefresh})
	r.Add("open", &Action{Usage: "/open <id>", Description: "open a conversation", Handler: c.cmdOpen})
	r.Add("with", &Action{Usage: "/with <peer>", Description: "start or reuse a conversation with a user", Handler: c.cmdWith})
	r.Add("close", &Action{Usage: "/close", Description: "close the open conversation", Handler: c.cmdClose})
	r.Add("history", &Action{Usage: "/history", Description: "print the open conversation", Handler: c.cmdHistory})
	r.Add("send", &Action{Usage: "/send <text>", Description: "send a text message", Handler: c.cmdSend})
	r.Add("say", &Action{Handler: c.cmdSend, Hidden: true})
	r.Add("record", &Action{Usage: "/record", Description: "start recording a voice note", Handler: c.cmdRecord})
	r.Add("stop", &Action{Usage: "/stop", Description: "stop recording and send the voice note", Handler: c.cmdStop})
	r.Add("cancel", &Action{Usage: "/cancel", Description: "discard the voice note", Handler: c.cmdCancel})
	r.Add("play", &Action{Usage: "/play <message-id>", Description: "play or pause a voice message", Handler: c.cmdPlay})
	r.Add("edit", &Action{Usage: "/edit", Description: "pause profile refreshes while editing", Handler: c.cmdEdit})
	r.Add("done", &Action{Usage: "/done", Description: "resume profile refreshes", Handler: c.cmdDone})
	r.Add("visible", &Action{Usage: "/visible", Description: "report the window as visible", Handler: c.cmdVisible})
	r.Add("hidden", &Action{Usage: "/hidden", Description: "report the window as hidden", Handler: c.cmdHidden})
	r.Add("search", &Action{Usage: "/search <query>", Description: "search messages seen this session", Handler: c.cmdSearch})
	r.Add("quit", &Action{Usage: "/quit", Description: "exit", Handler: func(context.Context, string) error { return ErrQuit }})
}

// Run reads lines until EOF, /quit or ctx is done. Command errors are
// printed and do not stop the loop.
func (c *Console) Run(ctx context.Context) error {
	watcher := c.watch(ctx)
	defer watcher.Stop()
	defer c.releaseEdit()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			err := c.Exec(ctx, line)
			if errors.Is(err, ErrQuit) {
				return nil
			}
			if err != nil {
				c.printf("error: %v\n", err)
			}
		}
	}
}

// Exec runs one console line.
func (c *Console) Exec(ctx context.Context, line string) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	cmd := ParseCommand(line)
	action, ok := c.registry.Lookup(cmd.Name)
	if !ok {
		return fmt.Errorf("unknown command /%s (try /help)", cmd.Name)
	}
	c.logger.Debug("command", zap.String("name", cmd.Name))
	return action.Handler(ctx, cmd.Args)
}

func (c *Console) cmdHelp(context.Context, string) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, h := range c.registry.Hints() {
		fmt.Fprintln(tw, h)
	}
	return tw.Flush()
}

func (c *Console) cmdLogin(ctx context.Context, _ string) error {
	p, err := c.client.SignIn(ctx)
	if err != nil {
		return err
	}
	c.printf("signed in as %s\n", sanitize(p.Username))
	return nil
}

func (c *Console) cmdLogout(context.Context, string) error {
	c.releaseEdit()
	c.client.SignOut()
	c.printf("signed out\n")
	return nil
}

func (c *Console) cmdStatus(context.Context, string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "session:  %s\n", c.client.State())
	if p, ok := c.client.Profile(); ok {
		fmt.Fprintf(&b, "user:     %s (%s)\n", sanitize(p.Username), p.Status)
	}
	if id, ok := c.client.OpenConversation(); ok {
		fmt.Fprintf(&b, "open:     %s\n", id)
	}
	if draft := c.client.Composer().Draft(); draft != "" {
		fmt.Fprintf(&b, "draft:    %s\n", sanitize(draft))
	}
	capture := c.client.Capture()
	fmt.Fprintf(&b, "voice:    %s", capture.State())
	if capture.State() == voice.Recording {
		fmt.Fprintf(&b, " %s", timefmt.Clock(capture.Elapsed()))
	}
	b.WriteByte('\n')
	gate := c.client.Gate()
	fmt.Fprintf(&b, "presence: refresh %s\n", pausedLabel(gate.Paused(), gate.Holds()))
	c.printf("%s", b.String())
	return nil
}

func pausedLabel(paused bool, holds int) string {
	if !paused {
		return "active"
	}
	return "paused (" + strconv.Itoa(holds) + ")"
}

func (c *Console) cmdConvs(_ context.Context, args string) error {
	if !c.client.State().HasIdentity() {
		return client.ErrSignedOut
	}
	convs := c.client.FilterConversations(args)
	if len(convs) == 0 {
		c.printf("no conversations\n")
		return nil
	}
	now := c.Now()
	c.outMu.Lock()
	defer c.outMu.Unlock()
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, conv := range convs {
		stamp := ""
		if !conv.LastMessageAt.IsZero() {
			stamp = timefmt.ListStamp(conv.LastMessageAt, now)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", conv.ID, sanitize(conv.PeerDisplayName), truncate(sanitize(conv.LastMessagePreview), 40), stamp)
	}
	return tw.Flush()
}

func (c *Console) cmdRefresh(ctx context.Context, _ string) error {
	convs, err := c.client.RefreshConversations(ctx)
	if err != nil {
		return err
	}
	c.printf("%d conversations\n", len(convs))
	return nil
}

func (c *Console) cmdOpen(ctx context.Context, args string) error {
	if args == "" {
		return errors.New("usage: /open <id>")
	}
	if err := c.client.Open(ctx, args); err != nil {
		return err
	}
	return c.cmdHistory(ctx, "")
}

func (c *Console) cmdWith(ctx context.Context, args string) error {
	if args == "" {
		return errors.New("usage: /with <peer>")
	}
	conv, err := c.client.OpenWithPeer(ctx, args)
	if err != nil {
		return err
	}
	c.printf("conversation %s with %s\n", conv.ID, sanitize(conv.PeerDisplayName))
	return c.cmdHistory(ctx, "")
}

func (c *Console) cmdClose(context.Context, string) error {
	c.client.CloseConversation()
	c.mu.Lock()
	c.seen = make(map[string]bool)
	c.mu.Unlock()
	return nil
}

func (c *Console) cmdHistory(context.Context, string) error {
	convID, ok := c.client.OpenConversation()
	if !ok {
		return msgsync.ErrNotOpen
	}
	msgs := c.client.Messages()
	c.mu.Lock()
	c.seen = make(map[string]bool, len(msgs))
	for _, m := range msgs {
		c.seen[m.ID] = true
	}
	c.mu.Unlock()

	if len(msgs) == 0 {
		c.printf("no messages yet\n")
		return nil
	}
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(c.formatMessage(convID, m))
		b.WriteByte('\n')
	}
	c.printf("%s", b.String())
	return nil
}

func (c *Console) cmdSend(ctx context.Context, args string) error {
	comp := c.client.Composer()
	if args != "" {
		comp.SetDraft(args)
	}
	msg, err := comp.SubmitText(ctx)
	if err != nil {
		if errors.Is(err, composer.ErrEmptyDraft) || errors.Is(err, composer.ErrNoTarget) {
			return err
		}
		return fmt.Errorf("%w (draft kept)", err)
	}
	if c.markSeen(msg.ID) {
		c.printf("%s\n", c.formatMessage(msg.ConversationID, msg))
	}
	return nil
}

func (c *Console) cmdRecord(ctx context.Context, _ string) error {
	if err := c.client.Composer().StartRecording(ctx); err != nil {
		if voice.IsDeviceError(err) {
			return fmt.Errorf("microphone unavailable: %w", err)
		}
		return err
	}
	c.printf("recording, /stop to send or /cancel to discard\n")
	return nil
}

func (c *Console) cmdStop(ctx context.Context, _ string) error {
	msg, err := c.client.Composer().StopRecording(ctx)
	if err != nil {
		return err
	}
	if c.markSeen(msg.ID) {
		c.printf("%s\n", c.formatMessage(msg.ConversationID, msg))
	}
	return nil
}

func (c *Console) cmdCancel(context.Context, string) error {
	return c.client.Composer().CancelRecording()
}

func (c *Console) cmdPlay(_ context.Context, args string) error {
	if args == "" {
		return errors.New("usage: /play <message-id>")
	}
	p, err := c.client.TogglePlayback(args)
	if err != nil {
		return err
	}
	st := p.State()
	c.printf("%s %s / %s\n", args, timefmt.Clock(st.CurrentTime), timefmt.Clock(st.Duration))
	return nil
}

func (c *Console) cmdEdit(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editRelease != nil {
		return nil
	}
	c.editRelease = c.client.Gate().Acquire()
	c.printf("profile refresh paused, /done to resume\n")
	return nil
}

func (c *Console) cmdDone(context.Context, string) error {
	if c.releaseEdit() {
		c.printf("profile refresh resumed\n")
	}
	return nil
}

// releaseEdit drops the console's gate hold, reporting whether it had one.
func (c *Console) releaseEdit() bool {
	c.mu.Lock()
	release := c.editRelease
	c.editRelease = nil
	c.mu.Unlock()
	if release == nil {
		return false
	}
	release()
	return true
}

func (c *Console) cmdVisible(context.Context, string) error {
	c.client.Visible(true)
	return nil
}

func (c *Console) cmdHidden(context.Context, string) error {
	c.client.Visible(false)
	return nil
}

func (c *Console) cmdSearch(_ context.Context, args string) error {
	if args == "" {
		return errors.New("usage: /search <query>")
	}
	results, err := c.client.Search(args, false, searchLimit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		c.printf("no matches\n")
		return nil
	}
	now := c.Now()
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "%s/%s [%s] %s\n", r.Message.ConversationID, r.Message.ID,
			timefmt.BubbleStamp(r.Message.CreatedAt, now), sanitize(r.Snippet))
	}
	c.printf("%s", b.String())
	return nil
}

// watch prints bus events for as long as the console runs.
func (c *Console) watch(ctx context.Context) *task.Handle {
	events, unsub := c.bus.Subscribe("", 64)
	return task.Go(ctx, func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				c.render(evt)
			}
		}
	})
}

func (c *Console) render(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case msgsync.Snapshot:
		for _, m := range p.Added {
			if c.markSeen(m.ID) {
				c.printf("%s\n", c.formatMessage(p.ConversationID, m))
			}
		}
	case status.StatusChange:
		c.printf("* session %s\n", p.To)
	case voice.StateChange:
		if p.Err != nil {
			c.printf("* voice %s: %v\n", p.To, p.Err)
		}
	case voice.Elapsed:
		if p.Seconds > 0 {
			c.printf("* recording %s\n", p.Clock)
		}
	case composer.Failed:
		c.printf("* send failed: %v\n", p.Err)
	default:
		if evt.Kind == bus.KindMessageTranscribed {
			if m, ok := evt.Payload.(model.Message); ok && m.Voice != nil && m.Voice.Transcription != nil {
				c.printf("* %s transcribed: %s\n", m.ID, sanitize(*m.Voice.Transcription))
			}
		}
	}
}

// markSeen records id and reports whether it was new.
func (c *Console) markSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[id] {
		return false
	}
	c.seen[id] = true
	return true
}

func (c *Console) formatMessage(convID string, m model.Message) string {
	sender := m.SenderID
	if p, ok := c.client.Profile(); ok && p.ID == m.SenderID {
		sender = "you"
	} else if conv, ok := c.client.Conversation(convID); ok && conv.PeerID == m.SenderID && conv.PeerDisplayName != "" {
		sender = conv.PeerDisplayName
	}
	body := m.Text
	if m.IsVoice() {
		d := 0.0
		if m.Voice.DurationSeconds != nil {
			d = *m.Voice.DurationSeconds
		}
		body = fmt.Sprintf("%s %s", model.VoicePreview, timefmt.Clock(d))
		if m.Voice.Transcription != nil && *m.Voice.Transcription != "" {
			body += " " + *m.Voice.Transcription
		}
	}
	return fmt.Sprintf("%s [%s] %s: %s", m.ID, timefmt.BubbleStamp(m.CreatedAt, c.Now()), sanitize(sender), sanitize(body))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
