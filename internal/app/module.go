// Package app composes a chat session: store, gateway, realtime channel and
// the coordinator tying them together.
package app

import (
	"context"
	"net/http"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/gateway"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/media"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Root        string // base directory; empty = ~/.chatsync
	Config      *config.Config
	Console     bool
	LogLevel    zapcore.Level
	HTTPClient  *http.Client // optional, shared by the gateway and the channel
}

// Module returns the fx module for one session, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatsync",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLayout,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCredentials,
			provideStore,
			provideMediaCache,
			provideGateway,
			provideChannel,
			provideReconciler,
			provideCoordinator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	if p.Config == nil {
		return config.Default()
	}
	return p.Config
}

func provideLayout(p Params) (session.Layout, error) {
	if err := session.ValidateName(p.SessionName); err != nil {
		return session.Layout{}, err
	}
	l := session.NewLayout(p.Root, p.SessionName)
	if err := l.EnsureDir(); err != nil {
		return session.Layout{}, err
	}
	return l, nil
}

func provideLogger(p Params, l session.Layout) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:    l.LogPath(),
		Console: p.Console,
		Level:   p.LogLevel,
	}, p.SessionName)
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(logger.Named("bus"))
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(l session.Layout, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("path", l.LockPath()))
	lk, err := lock.Acquire(l.LockPath())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.Int("pid", lk.Owner().PID))
	return lk, nil
}

func provideCredentials(l session.Layout) (*session.Credentials, error) {
	return session.NewCredentials(l.CredentialsPath())
}

// provideStore depends on the lock so no two processes migrate the same file.
func provideStore(l session.Layout, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	db := store.New()
	result, err := db.Init(l.DBPath())
	if err != nil {
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", l.DBPath()))
	return db, nil
}

func provideMediaCache(l session.Layout) (*media.Cache, error) {
	c := media.NewCache(l.MediaDir())
	if err := c.Init(); err != nil {
		return nil, err
	}
	return c, nil
}

func provideGateway(p Params, cfg *config.Config, creds *session.Credentials, b *bus.Bus, logger *zap.Logger) *gateway.Client {
	opts := []gateway.Option{
		gateway.WithAPIPath(cfg.APIPath),
		gateway.WithBus(b),
		gateway.WithLogger(logger.Named("gateway")),
	}
	if p.HTTPClient != nil {
		opts = append(opts, gateway.WithHTTPClient(p.HTTPClient))
	}
	if cfg.RequestTimeout.Duration > 0 {
		opts = append(opts, gateway.WithTimeout(cfg.RequestTimeout.Duration))
	}
	return gateway.New(cfg.ServerURL, creds, opts...)
}

func provideChannel(p Params, cfg *config.Config, creds *session.Credentials, m *status.Machine, b *bus.Bus, logger *zap.Logger) *realtime.Channel {
	rt := cfg.Realtime
	return realtime.NewChannel(realtime.Config{
		URL:                  realtime.WebSocketURL(cfg.ServerURL, rt.Path),
		AutoReconnect:        rt.AutoReconnect,
		MaxReconnectAttempts: rt.MaxReconnectAttempts,
		ReconnectBaseDelay:   rt.ReconnectDelay.Duration,
		ReconnectMaxDelay:    rt.MaxReconnectDelay.Duration,
		HeartbeatInterval:    rt.HeartbeatInterval.Duration,
		HTTPClient:           p.HTTPClient,
	}, creds, m, b, logger)
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger.Named("reconciler"))
}

func provideCoordinator(db *store.DB, gw *gateway.Client, ch *realtime.Channel, b *bus.Bus, cache *media.Cache, rec *intsync.Reconciler, cfg *config.Config, logger *zap.Logger) *intsync.Coordinator {
	return intsync.NewCoordinator(db, gw, ch, b, cache, rec, intsync.Config{
		MessagePageSize: cfg.Cache.MessagePageSize,
		TypingTimeout:   cfg.Cache.TypingTimeout.Duration,
	}, logger)
}

func registerLifecycle(lc fx.Lifecycle, coord *intsync.Coordinator, ch *realtime.Channel, db *store.DB, lk *lock.Lock, b *bus.Bus, logger *zap.Logger) {
	var (
		stopUnauthorized func()
		connected        = make(chan struct{})
	)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			coord.Start()

			// A 401 ends the session; stop pushing events for it.
			stopUnauthorized = b.On(gateway.EventUnauthorized, func(e bus.Event) {
				logger.Warn("credential rejected, disconnecting realtime", zap.Any("op", e.Payload))
				ch.Disconnect()
			})

			// Connect in background; failures are retried by the channel.
			go func() {
				defer close(connected)
				if err := ch.Connect(context.Background()); err != nil {
					logger.Warn("realtime connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if stopUnauthorized != nil {
				stopUnauthorized()
			}
			coord.Stop()
			ch.Disconnect()
			select {
			case <-connected:
			case <-ctx.Done():
				return ctx.Err()
			}
			ch.Wait()

			err := multierr.Combine(db.Close(), lk.Release())
			if err != nil {
				logger.Warn("error during shutdown", zap.Error(err))
			}
			logger.Info("session stopped")
			_ = logger.Sync()
			return err
		},
	})
}
