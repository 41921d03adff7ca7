package daemon

import (
	"context"
	"fmt"

	"github.com/focuscircle/focussync/internal/api"
	"github.com/focuscircle/focussync/internal/auth"
	"github.com/focuscircle/focussync/internal/bus"
	"github.com/focuscircle/focussync/internal/config"
	"github.com/focuscircle/focussync/internal/kv"
	"github.com/focuscircle/focussync/internal/lock"
	"github.com/focuscircle/focussync/internal/logging"
	"github.com/focuscircle/focussync/internal/presence"
	"github.com/focuscircle/focussync/internal/profile"
	"github.com/focuscircle/focussync/internal/realtime"
	"github.com/focuscircle/focussync/internal/social"
	"github.com/focuscircle/focussync/internal/store"
	intsync "github.com/focuscircle/focussync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.focussync/config.toml
	LogLevel    string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideKV,
			provideFlags,
			provideTokens,
			provideManager,
			provideTracker,
			provideStore,
			provideEngine,
			provideControl,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	return config.LoadOrDefault(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, logging.ParseLevel(p.LogLevel))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideKV opens the configured backend. The lock is a parameter so the
// database is never opened by a second daemon.
func provideKV(lc fx.Lifecycle, p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (kv.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory storage; flags and token are lost on exit")
		return kv.NewMemory(), nil

	case config.BackendRedis:
		r, err := kv.NewRedis(context.Background(), cfg.Storage.RedisURL, "focussync:"+p.ProfileName+":")
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(r.Close))
		logger.Info("store initialized", zap.String("backend", config.BackendRedis))
		return r, nil

	case "", config.BackendSQLite:
		dbPath := profile.DBPath(p.ProfileName)
		db, err := store.Open(dbPath)
		if err != nil {
			return nil, err
		}
		result, err := db.Migrate()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if result.Changed {
			logger.Info("migrations applied", zap.Uint("version", result.Version))
		} else {
			logger.Info("migrations up to date", zap.Uint("version", result.Version))
		}
		lc.Append(fx.StopHook(db.Close))
		logger.Info("store initialized", zap.String("path", dbPath))
		return kv.NewSQLite(db), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func provideFlags(s kv.Store) *kv.Flags {
	return kv.NewFlags(s)
}

func provideTokens(s kv.Store) *auth.TokenSource {
	return auth.NewTokenSource(s)
}

func realtimeConfig(c config.Realtime) realtime.Config {
	rc := realtime.DefaultConfig()
	rc.URL = c.URL
	if c.HeartbeatInterval.Duration > 0 {
		rc.HeartbeatInterval = c.HeartbeatInterval.Duration
	}
	if c.ReconnectDelay.Duration > 0 {
		rc.ReconnectDelay = c.ReconnectDelay.Duration
	}
	if c.HandshakeTimeout.Duration > 0 {
		rc.HandshakeTimeout = c.HandshakeTimeout.Duration
	}
	if c.MaxReconnectAttempts > 0 {
		rc.MaxReconnectAttempts = c.MaxReconnectAttempts
	}
	if c.MaxMissedPongs != nil {
		rc.MaxMissedPongs = *c.MaxMissedPongs
	}
	return rc
}

func provideManager(cfg *config.Config, tokens *auth.TokenSource, flags *kv.Flags, b *bus.Bus, logger *zap.Logger) *realtime.Manager {
	rc := realtimeConfig(cfg.Realtime)
	logger.Info("realtime configured",
		zap.String("url", rc.URL),
		zap.Duration("heartbeat", rc.HeartbeatInterval),
		zap.Duration("reconnect_delay", rc.ReconnectDelay),
		zap.Int("max_attempts", rc.MaxReconnectAttempts),
	)
	return realtime.NewManager(rc, realtime.NewWSDialer(rc.URL, rc.HandshakeTimeout), tokens, flags, b, logger.Named("realtime"))
}

func provideTracker(b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, logger.Named("presence"))
}

// provideStore binds the store to the configured user, or to the profile
// name when none is configured.
func provideStore(p Params, cfg *config.Config, mgr *realtime.Manager, tracker *presence.Tracker, b *bus.Bus, logger *zap.Logger) *social.Store {
	userID := cfg.User.ID
	if userID == "" {
		userID = p.ProfileName
	}
	return social.NewStore(userID, mgr, social.NewInviteRegistry(), tracker, b, logger.Named("social"))
}

func provideEngine(s *social.Store, tracker *presence.Tracker, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(s, tracker, b, logger.Named("sync"))
}

func provideControl(p Params, mgr *realtime.Manager, flags *kv.Flags, tokens *auth.TokenSource, s *social.Store, tracker *presence.Tracker, b *bus.Bus, logger *zap.Logger) *api.Control {
	return api.NewControl(p.ProfileName, mgr, flags, tokens, s, tracker, b, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, mgr *realtime.Manager, engine *intsync.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Handlers must be in place before the first frame can arrive.
			engine.Attach(mgr)
			engine.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Connects right away when sync was left enabled with a token.
			mgr.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			mgr.Stop()
			engine.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
