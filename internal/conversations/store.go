// Package conversations keeps the signed-in user's conversation list.
package conversations

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/maksum/internal/bus"
	"github.com/matheus3301/maksum/internal/model"
	"github.com/matheus3301/maksum/internal/store"
)

var (
	ErrRefreshInFlight = errors.New("conversation refresh already in flight")
	ErrFetchFailed     = errors.New("conversation list fetch failed")
	ErrCleared         = errors.New("conversation list cleared while a request was in flight")
)

// ListReplaced is the payload of conversation.list_replaced events.
type ListReplaced struct {
	Conversations []model.Conversation
}

// Merged is the payload of conversation.merged events.
type Merged struct {
	Conversation model.Conversation
	Added        bool
}

// Store holds the conversation list. The list is only ever replaced whole by
// a successful refresh, or grown by StartOrReuse.
type Store struct {
	api        model.API
	db         *store.DB
	bus        *bus.Bus
	logger     *zap.Logger
	newBackOff func() backoff.BackOff

	mu         sync.RWMutex
	list       []model.Conversation
	refreshing bool
	gen        uint64
	// version counts list changes; the index only moves forward.
	version uint64
	// merged while a refresh was in flight; re-applied on top of its result.
	pending []model.Conversation

	mirrorMu sync.Mutex
	mirrored uint64
}

// New creates a store. db may be nil when no session index is kept.
func New(api model.API, db *store.DB, b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		api:        api,
		db:         db,
		bus:        b,
		logger:     logger.Named("conversations"),
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute
	return b
}

// SetBackOff replaces the retry policy used by RefreshWithRetry.
func (s *Store) SetBackOff(newBackOff func() backoff.BackOff) {
	s.newBackOff = newBackOff
}

// Refresh fetches the whole list and replaces the local one. On failure the
// local list is kept and an empty list is returned with an error wrapping
// ErrFetchFailed.
func (s *Store) Refresh(ctx context.Context) ([]model.Conversation, error) {
	s.mu.Lock()
	if s.refreshing {
		s.mu.Unlock()
		return []model.Conversation{}, ErrRefreshInFlight
	}
	s.refreshing = true
	s.pending = nil
	gen := s.gen
	s.mu.Unlock()

	convs, err := s.api.ListConversations(ctx)

	s.mu.Lock()
	s.refreshing = false
	pending := s.pending
	s.pending = nil
	if s.gen != gen {
		s.mu.Unlock()
		return []model.Conversation{}, ErrCleared
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("conversation refresh failed", zap.Error(err))
		return []model.Conversation{}, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	list := dedupe(convs)
	for _, c := range pending {
		if indexOf(list, c.ID) < 0 {
			list = append(list, c)
		}
	}
	s.list = list
	s.version++
	version := s.version
	out := slices.Clone(list)
	s.mu.Unlock()

	s.mirror(out, version)
	s.bus.Emit(bus.KindConversationListReplaced, ListReplaced{Conversations: slices.Clone(out)})
	s.logger.Debug("conversation list replaced", zap.Int("count", len(out)))
	return out, nil
}

// RefreshWithRetry retries failed fetches with exponential backoff.
// Only failed fetches are retried; a 401 is not.
func (s *Store) RefreshWithRetry(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	op := func() error {
		convs, err := s.Refresh(ctx)
		if err == nil {
			out = convs
			return nil
		}
		if errors.Is(err, model.ErrUnauthorized) || errors.Is(err, ErrRefreshInFlight) || errors.Is(err, ErrCleared) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("retrying conversation refresh", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify); err != nil {
		return []model.Conversation{}, err
	}
	return out, nil
}

// StartOrReuse finds or creates the conversation with peerID on the server
// and merges it into the list: appended if new, otherwise left in place.
// A reply that arrives after Clear is dropped with ErrCleared.
func (s *Store) StartOrReuse(ctx context.Context, peerID string) (model.Conversation, error) {
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	conv, err := s.api.FindOrCreateConversation(ctx, peerID)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("start conversation with %s: %w", peerID, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("discarding conversation from a cleared list", zap.String("conversation", conv.ID))
		return model.Conversation{}, ErrCleared
	}
	added := indexOf(s.list, conv.ID) < 0
	if added {
		s.list = append(s.list, conv)
		s.version++
	}
	version := s.version
	if s.refreshing {
		s.pending = append(s.pending, conv)
	}
	out := slices.Clone(s.list)
	s.mu.Unlock()

	if added {
		s.mirror(out, version)
	}
	s.bus.Emit(bus.KindConversationMerged, Merged{Conversation: conv, Added: added})
	return conv, nil
}

// List returns a snapshot of the list.
func (s *Store) List() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.list)
}

// Get returns the conversation with id.
func (s *Store) Get(id string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOf(s.list, id); i >= 0 {
		return s.list[i], true
	}
	return model.Conversation{}, false
}

// Filter returns the conversations whose peer name or preview contains
// query, ignoring case. An empty query returns the whole list.
func (s *Store) Filter(query string) []model.Conversation {
	query = strings.ToLower(strings.TrimSpace(query))
	list := s.List()
	if query == "" {
		return list
	}
	return slices.DeleteFunc(list, func(c model.Conversation) bool {
		return !strings.Contains(strings.ToLower(c.PeerDisplayName), query) &&
			!strings.Contains(strings.ToLower(c.LastMessagePreview), query)
	})
}

// Clear drops the list, e.g. when the identity goes away. A refresh in
// flight is discarded when it returns.
func (s *Store) Clear() {
	s.mu.Lock()
	s.list = nil
	s.pending = nil
	s.gen++
	s.version++
	version := s.version
	s.mu.Unlock()
	s.mirror(nil, version)
}

// mirror writes list to the session index unless a newer version has
// already been written.
func (s *Store) mirror(list []model.Conversation, version uint64) {
	if s.db == nil {
		return
	}
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	if version <= s.mirrored {
		return
	}
	s.mirrored = version
	if err := s.db.ReplaceConversations(list); err != nil {
		s.logger.Warn("failed to index conversations", zap.Error(err))
	}
}

func indexOf(list []model.Conversation, id string) int {
	return slices.IndexFunc(list, func(c model.Conversation) bool { return c.ID == id })
}

// dedupe keeps the first occurrence of each id.
func dedupe(convs []model.Conversation) []model.Conversation {
	out := make([]model.Conversation, 0, len(convs))
	for _, c := range convs {
		if indexOf(out, c.ID) < 0 {
			out = append(out, c)
		}
	}
	return out
}
