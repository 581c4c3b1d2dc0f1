// Package sync keeps the open conversation's message history in step with
// the server by snapshot polling.
package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/maksum/internal/bus"
	"github.com/matheus3301/maksum/internal/metrics"
	"github.com/matheus3301/maksum/internal/model"
	"github.com/matheus3301/maksum/internal/store"
	"github.com/matheus3301/maksum/internal/task"
)

// DefaultPollInterval is the delay between the end of one fetch and the
// start of the next.
const DefaultPollInterval = 3 * time.Second

// ErrNotOpen is returned by Refresh for a conversation that is not open.
var ErrNotOpen = errors.New("conversation is not open")

// Snapshot is the payload of message.snapshot events.
type Snapshot struct {
	ConversationID string
	Added          []model.Message
	Updated        []model.Message
	Total          int
}

// MessageSync polls the history of at most one open conversation. Each
// applied fetch replaces the local history wholesale.
//
// Every fetch is tagged with the subscription generation and a request
// sequence number. A response is applied only while its generation is still
// current and no newer request has been applied, so a late reply for a
// closed conversation, or an old poll overtaken by a forced refresh, is
// dropped.
type MessageSync struct {
	api      model.API
	db       *store.DB
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	interval time.Duration

	mu         stdsync.Mutex
	gen        uint64
	convID     string
	open       bool
	poll       *task.Handle
	nextSeq    uint64
	appliedSeq uint64
	messages   []model.Message
}

// New creates a MessageSync. db and m may be nil.
func New(api model.API, db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, interval time.Duration) *MessageSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &MessageSync{
		api:      api,
		db:       db,
		bus:      b,
		metrics:  m,
		logger:   logger.Named("sync"),
		interval: interval,
	}
}

// Open closes any open conversation, fetches the full history of
// conversationID and starts polling it. A failed first fetch is returned but
// polling still starts, so the next tick can recover.
func (s *MessageSync) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("open conversation: empty id")
	}
	s.Close()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.convID = conversationID
	s.open = true
	s.messages = nil
	s.mu.Unlock()

	s.logger.Info("conversation opened", zap.String("conversation_id", conversationID))
	err := s.fetch(ctx, gen, conversationID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// Closed or replaced while the first fetch was in flight.
		return nil
	}
	s.poll = task.Every(context.WithoutCancel(ctx), s.interval, false, func(ctx context.Context) {
		_ = s.fetch(ctx, gen, conversationID)
	})
	if err != nil {
		return fmt.Errorf("open conversation %s: %w", conversationID, err)
	}
	return nil
}

// Close stops polling. Responses still in flight are discarded when they
// arrive. Safe to call when nothing is open.
func (s *MessageSync) Close() {
	s.mu.Lock()
	poll := s.poll
	s.poll = nil
	if s.open {
		s.gen++
		s.logger.Info("conversation closed", zap.String("conversation_id", s.convID))
	}
	s.open = false
	s.convID = ""
	s.messages = nil
	s.mu.Unlock()

	poll.Stop()
}

// Refresh fetches the open conversation once, out of band. It returns
// ErrNotOpen when conversationID is not the open conversation.
func (s *MessageSync) Refresh(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if !s.open || s.convID != conversationID {
		s.mu.Unlock()
		return ErrNotOpen
	}
	gen := s.gen
	s.mu.Unlock()
	return s.fetch(ctx, gen, conversationID)
}

// Messages returns a snapshot of the open conversation's history.
func (s *MessageSync) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// OpenConversation returns the id of the open conversation, if any.
func (s *MessageSync) OpenConversation() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID, s.open
}

func (s *MessageSync) fetch(ctx context.Context, gen uint64, conversationID string) error {
	s.mu.Lock()
	s.nextSeq++
	seq := s.nextSeq
	s.mu.Unlock()

	s.metrics.Poll()
	msgs, err := s.api.ListMessages(ctx, conversationID, model.Cursor{})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.PollFailed()
		s.logger.Warn("message fetch failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return fmt.Errorf("fetch messages: %w", err)
	}
	s.apply(gen, seq, conversationID, msgs)
	return nil
}

func (s *MessageSync) apply(gen, seq uint64, conversationID string, msgs []model.Message) {
	msgs = s.dropInvalid(conversationID, msgs)
	model.SortMessages(msgs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.open || conversationID != s.convID || seq <= s.appliedSeq {
		s.metrics.StaleDiscarded()
		s.logger.Debug("discarded stale snapshot",
			zap.String("conversation_id", conversationID),
			zap.Uint64("seq", seq),
			zap.Uint64("applied_seq", s.appliedSeq),
		)
		return
	}

	added, updated := diffSnapshots(s.messages, msgs)
	s.messages = msgs
	s.appliedSeq = seq

	if s.db != nil {
		if err := s.db.ReplaceMessages(conversationID, msgs); err != nil {
			s.logger.Warn("failed to index messages", zap.Error(err))
		}
	}
	if len(added) > 0 || len(updated) > 0 {
		s.logger.Debug("snapshot applied",
			zap.String("conversation_id", conversationID),
			zap.Int("added", len(added)),
			zap.Int("updated", len(updated)),
			zap.Int("total", len(msgs)),
		)
	}
	s.bus.Emit(bus.KindMessageSnapshot, Snapshot{
		ConversationID: conversationID,
		Added:          added,
		Updated:        updated,
		Total:          len(msgs),
	})
	for _, m := range updated {
		s.bus.Emit(bus.KindMessageTranscribed, m)
	}
}

// dropInvalid removes rows that break the one-payload rule; they are logged
// and never shown.
func (s *MessageSync) dropInvalid(conversationID string, msgs []model.Message) []model.Message {
	return slices.DeleteFunc(msgs, func(m model.Message) bool {
		err := m.Validate()
		if err != nil {
			s.logger.Warn("skipping malformed message",
				zap.String("conversation_id", conversationID),
				zap.String("message_id", m.ID),
				zap.Error(err),
			)
		}
		return err != nil
	})
}

// diffSnapshots reports messages new in next, and known messages whose
// transcription was backfilled or changed.
func diffSnapshots(prev, next []model.Message) (added, updated []model.Message) {
	known := make(map[string]model.Message, len(prev))
	for _, m := range prev {
		known[m.ID] = m
	}
	for _, m := range next {
		old, ok := known[m.ID]
		switch {
		case !ok:
			added = append(added, m)
		case transcription(old) != transcription(m):
			updated = append(updated, m)
		}
	}
	return added, updated
}

func transcription(m model.Message) string {
	if m.Voice == nil || m.Voice.Transcription == nil {
		return ""
	}
	return *m.Voice.Transcription
}
