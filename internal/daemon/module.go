package daemon

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/maksum/internal/bus"
	"github.com/matheus3301/maksum/internal/client"
	"github.com/matheus3301/maksum/internal/config"
	"github.com/matheus3301/maksum/internal/console"
	"github.com/matheus3301/maksum/internal/lock"
	"github.com/matheus3301/maksum/internal/logging"
	"github.com/matheus3301/maksum/internal/metrics"
	"github.com/matheus3301/maksum/internal/model"
	"github.com/matheus3301/maksum/internal/presence"
	"github.com/matheus3301/maksum/internal/restapi"
	"github.com/matheus3301/maksum/internal/session"
	"github.com/matheus3301/maksum/internal/status"
	"github.com/matheus3301/maksum/internal/store"
	"github.com/matheus3301/maksum/internal/task"
	"github.com/matheus3301/maksum/internal/voice"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Config      *config.Config

	// Console attaches the line console to In and Out.
	Console bool
	In      io.Reader
	Out     io.Writer
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideMetrics,
			provideLock,
			provideStore,
			provideAPI,
			provideClient,
			provideConsole,
			provideMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Config.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideMetrics(b *bus.Bus) *metrics.Metrics {
	m := metrics.New()
	m.ObserveDrops(b.Dropped)
	return m
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore opens the in-memory message index. Nothing outlives the
// process; the backend is the source of truth.
func provideStore(logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open("")
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store initialized", zap.Uint("version", result.Version))
	return db, nil
}

func provideAPI(p Params, b *bus.Bus, logger *zap.Logger) (model.API, error) {
	cfg := p.Config
	return restapi.New(restapi.Config{
		BaseURL:       cfg.API.BaseURL,
		Token:         cfg.API.Token,
		Timeout:       cfg.API.Timeout.Duration,
		RatePerSecond: cfg.API.RatePerSecond,
		Burst:         cfg.API.Burst,
		MaxFailures:   cfg.Breaker.MaxFailures,
		OpenTimeout:   cfg.Breaker.OpenTimeout.Duration,
	}, b, logger)
}

func provideClient(p Params, api model.API, db *store.DB, b *bus.Bus, m *status.Machine, mt *metrics.Metrics, logger *zap.Logger) *client.Client {
	cfg := p.Config
	var mic voice.Microphone
	if cfg.Voice.Input != "" {
		mic = voice.FileMicrophone{Path: cfg.Voice.Input, Interval: cfg.Voice.Tick.Duration}
	}
	return client.New(client.Config{
		API:          api,
		DB:           db,
		Bus:          b,
		Machine:      m,
		Metrics:      mt,
		Logger:       logger,
		PollInterval: cfg.Sync.PollInterval.Duration,
		Presence: presence.Config{
			PingInterval:    cfg.Presence.PingInterval.Duration,
			RefreshInterval: cfg.Presence.RefreshInterval.Duration,
		},
		Microphone:        mic,
		VoiceTick:         cfg.Voice.Tick.Duration,
		ExclusivePlayback: cfg.Playback.Exclusive,
	})
}

// provideConsole returns nil when the daemon runs headless.
func provideConsole(p Params, c *client.Client, b *bus.Bus, logger *zap.Logger) *console.Console {
	if !p.Console || p.In == nil || p.Out == nil {
		return nil
	}
	return console.New(c, b, p.In, p.Out, logger)
}

// provideMetricsServer returns nil when metrics.addr is unset.
func provideMetricsServer(p Params, m *metrics.Metrics) *http.Server {
	if p.Config.Metrics.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: p.Config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

type lifecycleParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Params     Params
	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Client     *client.Client
	Console    *console.Console
	Metrics    *http.Server
	Logger     *zap.Logger
}

func registerLifecycle(lp lifecycleParams) {
	logger := lp.Logger
	var con *task.Handle

	lp.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			lp.Client.Start(context.Background())

			lp.Server.Start()

			if lp.Metrics != nil {
				go func() {
					logger.Info("metrics listening", zap.String("addr", lp.Metrics.Addr))
					if err := lp.Metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}

			if lp.Params.Config.API.Token != "" {
				go func() {
					if _, err := lp.Client.SignIn(context.Background()); err != nil {
						logger.Warn("sign-in failed", zap.Error(err))
					}
				}()
			} else {
				logger.Info("no api token configured, sign-in deferred", zap.String("env", config.TokenEnv))
			}

			if lp.Console != nil {
				con = task.Go(context.Background(), func(ctx context.Context) {
					if err := lp.Console.Run(ctx); err != nil {
						logger.Warn("console input error", zap.Error(err))
					}
					if ctx.Err() == nil {
						_ = lp.Shutdowner.Shutdown()
					}
				})
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			con.Stop()
			lp.Client.Stop()
			lp.Server.Stop(ctx)
			if lp.Metrics != nil {
				if err := lp.Metrics.Shutdown(ctx); err != nil {
					logger.Warn("metrics shutdown", zap.Error(err))
				}
			}
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
