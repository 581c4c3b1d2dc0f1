// Package presence keeps the server informed that this session is active
// and keeps the signed-in user's profile fresh.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/maksum/internal/bus"
	"github.com/matheus3301/maksum/internal/metrics"
	"github.com/matheus3301/maksum/internal/model"
	"github.com/matheus3301/maksum/internal/task"
)

const (
	DefaultPingInterval    = 60 * time.Second
	DefaultRefreshInterval = 25 * time.Second
)

// Config sets the heartbeat periods.
type Config struct {
	PingInterval    time.Duration
	RefreshInterval time.Duration
}

// Visibility is the payload of ui.visibility events.
type Visibility struct {
	Visible bool
}

// Hooks are called from the heartbeat's goroutines.
type Hooks struct {
	OnProfile      func(model.Profile)
	OnIdentityLost func(error)
}

// Heartbeat runs the presence ping and the profile refresh while an
// identity is loaded. Both start immediately and repeat on their own
// periods; a ui.visibility event with Visible set triggers an extra refresh.
type Heartbeat struct {
	api     model.API
	gate    *PauseGate
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     Config

	mu         sync.Mutex
	hooks      Hooks
	gen        uint64
	running    bool
	ping       *task.Handle
	refresh    *task.Handle
	visibility *task.Handle
	// refreshing marks a fetch in flight for the run identified by
	// refreshingGen; a fetch left over from a stopped run does not count.
	refreshing    bool
	refreshingGen uint64
	profile    model.Profile
	hasProfile bool
}

// New creates a stopped heartbeat. gate may be shared with editors.
func New(api model.API, gate *PauseGate, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Heartbeat {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gate == nil {
		gate = &PauseGate{}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	return &Heartbeat{
		api:     api,
		gate:    gate,
		bus:     b,
		metrics: m,
		logger:  logger.Named("presence"),
		cfg:     cfg,
	}
}

// SetHooks replaces the callbacks.
func (h *Heartbeat) SetHooks(hooks Hooks) {
	h.mu.Lock()
	h.hooks = hooks
	h.mu.Unlock()
}

// Gate returns the pause gate guarding profile refreshes.
func (h *Heartbeat) Gate() *PauseGate { return h.gate }

// Start launches the ping and refresh loops. Starting a running heartbeat
// is a no-op.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.gen++

	events, unsub := h.bus.Subscribe(bus.KindVisibility, 8)
	h.ping = task.Every(ctx, h.cfg.PingInterval, true, h.pingOnce)
	h.refresh = task.Every(ctx, h.cfg.RefreshInterval, true, func(ctx context.Context) {
		_, _ = h.Refresh(ctx)
	})
	h.visibility = task.Go(ctx, func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				if v, ok := evt.Payload.(Visibility); ok && v.Visible {
					_, _ = h.Refresh(ctx)
				}
			}
		}
	})
	h.logger.Info("heartbeat started",
		zap.Duration("ping_interval", h.cfg.PingInterval),
		zap.Duration("refresh_interval", h.cfg.RefreshInterval),
	)
}

// Stop cancels both loops and the visibility subscription and forgets the
// profile. It does not wait for an in-flight call; its result is dropped.
// Safe to call when stopped.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.gen++
	handles := []*task.Handle{h.ping, h.refresh, h.visibility}
	h.ping, h.refresh, h.visibility = nil, nil, nil
	h.profile, h.hasProfile = model.Profile{}, false
	h.mu.Unlock()

	for _, t := range handles {
		t.Stop()
	}
	h.logger.Info("heartbeat stopped")
}

// Running reports whether the loops are active.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Profile returns the last applied profile.
func (h *Heartbeat) Profile() (model.Profile, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.profile, h.hasProfile
}

// SetProfile seeds the profile, e.g. from sign-in.
func (h *Heartbeat) SetProfile(p model.Profile) {
	h.mu.Lock()
	h.profile, h.hasProfile = p, true
	h.mu.Unlock()
}

// Refresh refetches the profile unless the gate is held, checking the gate
// again before applying the result. It reports whether a profile was
// applied. A refresh already in flight for the same run makes this call a
// no-op.
func (h *Heartbeat) Refresh(ctx context.Context) (bool, error) {
	if h.gate.Paused() {
		h.metrics.RefreshPaused()
		h.logger.Debug("profile refresh paused", zap.Int("holds", h.gate.Holds()))
		return false, nil
	}

	h.mu.Lock()
	if h.refreshing && h.refreshingGen == h.gen {
		h.mu.Unlock()
		return false, nil
	}
	gen := h.gen
	h.refreshing, h.refreshingGen = true, gen
	hooks := h.hooks
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.refreshingGen == gen {
			h.refreshing = false
		}
		h.mu.Unlock()
	}()

	h.metrics.Refresh()
	p, err := h.api.GetProfile(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if errors.Is(err, model.ErrUnauthorized) {
			if !h.current(gen) {
				return false, err
			}
			h.logger.Warn("profile refresh unauthorized", zap.Error(err))
			if hooks.OnIdentityLost != nil {
				hooks.OnIdentityLost(err)
			}
			return false, err
		}
		h.logger.Warn("profile refresh failed", zap.Error(err))
		return false, err
	}

	if h.gate.Paused() {
		h.metrics.RefreshPaused()
		h.logger.Debug("profile refresh dropped, gate closed during fetch")
		return false, nil
	}
	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return false, nil
	}
	h.profile, h.hasProfile = p, true
	h.mu.Unlock()

	h.bus.Emit(bus.KindPresenceProfile, p)
	if hooks.OnProfile != nil {
		hooks.OnProfile(p)
	}
	return true, nil
}

func (h *Heartbeat) current(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gen == gen
}

func (h *Heartbeat) pingOnce(ctx context.Context) {
	h.metrics.Ping()
	if err := h.api.Ping(ctx); err != nil && ctx.Err() == nil {
		h.metrics.PingFailed()
		h.logger.Debug("presence ping failed", zap.Error(err))
	}
}
