package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/kristikumria/komuniteti-chatd/internal/api"
	"github.com/kristikumria/komuniteti-chatd/internal/bus"
	"github.com/kristikumria/komuniteti-chatd/internal/chat"
	"github.com/kristikumria/komuniteti-chatd/internal/chatstate"
	"github.com/kristikumria/komuniteti-chatd/internal/config"
	"github.com/kristikumria/komuniteti-chatd/internal/connstate"
	"github.com/kristikumria/komuniteti-chatd/internal/kv"
	kvmemory "github.com/kristikumria/komuniteti-chatd/internal/kv/memory"
	kvredis "github.com/kristikumria/komuniteti-chatd/internal/kv/redis"
	kvsqlite "github.com/kristikumria/komuniteti-chatd/internal/kv/sqlite"
	"github.com/kristikumria/komuniteti-chatd/internal/lock"
	"github.com/kristikumria/komuniteti-chatd/internal/logging"
	"github.com/kristikumria/komuniteti-chatd/internal/netmon"
	"github.com/kristikumria/komuniteti-chatd/internal/outbox"
	"github.com/kristikumria/komuniteti-chatd/internal/repo"
	"github.com/kristikumria/komuniteti-chatd/internal/session"
	"github.com/kristikumria/komuniteti-chatd/internal/socket"
	"github.com/kristikumria/komuniteti-chatd/internal/transport"
	"github.com/kristikumria/komuniteti-chatd/internal/transport/ws"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideTracker,
			provideLock,
			provideStore,
			provideTransport,
			provideManager,
			provideMonitor,
			provideQueue,
			provideRepoClient,
			provideState,
			provideService,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		// No config yet is fine; the daemon runs on defaults until
		// `chatctl config` writes one.
		return &config.Config{}
	}
	return cfg
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideTracker(b *bus.Bus) *connstate.Tracker {
	return connstate.NewTracker(b)
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

func provideStore(p Params, cfg *config.Config, logger *zap.Logger) (kv.Store, error) {
	switch cfg.Storage.Backend {
	case "", "sqlite":
		dbPath := session.DBPath(p.SessionName)
		store, err := kvsqlite.Open(dbPath)
		if err != nil {
			return nil, err
		}
		logger.Info("store initialized", zap.String("path", dbPath))
		return store, nil
	case "memory":
		logger.Warn("using in-memory store, nothing survives a restart")
		return kvmemory.New(), nil
	case "redis":
		store, err := kvredis.New(context.Background(), cfg.Storage.RedisURL, p.SessionName)
		if err != nil {
			return nil, err
		}
		logger.Info("store initialized", zap.String("backend", "redis"))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func provideTransport() transport.Transport {
	return ws.New()
}

func provideManager(cfg *config.Config, tr transport.Transport, kvs kv.Store, tracker *connstate.Tracker, b *bus.Bus, logger *zap.Logger) *socket.Manager {
	return socket.NewManager(socket.Options{URL: cfg.Server.URL}, tr, kvs, tracker, b, logger)
}

func provideMonitor(cfg *config.Config, mgr *socket.Manager, tracker *connstate.Tracker, b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	probe := netmon.NewProbe(cfg.Network.ProbeAddr, time.Duration(cfg.Network.ProbeIntervalSec)*time.Second)
	return netmon.New(probe, tracker, mgr, b, logger)
}

func provideQueue(kvs kv.Store, mgr *socket.Manager, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.New(kvs, mgr, b, logger)
}

func provideRepoClient(cfg *config.Config, kvs kv.Store) *repo.Client {
	return repo.NewClient(cfg.Server.URL, kvs)
}

func provideState(b *bus.Bus, logger *zap.Logger) *chatstate.Store {
	return chatstate.New(b, logger)
}

func provideService(cfg *config.Config, client *repo.Client, state *chatstate.Store, queue *outbox.Queue, mgr *socket.Manager, b *bus.Bus, logger *zap.Logger) *chat.Service {
	self := chat.Identity{
		UserID:      cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
		Role:        cfg.Identity.Role,
	}
	return chat.New(self, client.Conversations(), client.Messages(), state, queue, mgr, b, logger)
}

func provideServer(p Params, svc *chat.Service, state *chatstate.Store, queue *outbox.Queue, mgr *socket.Manager, tracker *connstate.Tracker, kvs kv.Store, b *bus.Bus, logger *zap.Logger) *api.Server {
	return api.NewServer(p.SessionName, svc, state, queue, mgr, tracker, kvs, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *api.Server, lk *lock.Lock, kvs kv.Store, mgr *socket.Manager, monitor *netmon.Monitor, queue *outbox.Queue, svc *chat.Service, logger *zap.Logger) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	serveCtx, serveCancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := queue.Load(ctx); err != nil {
				return err
			}

			svc.Start(context.Background())

			monitor.Start(context.Background())
			mgr.AttachMonitor(monitor.Stop)

			go func() {
				if err := srv.Serve(serveCtx, socketPath); err != nil {
					logger.Error("control api error", zap.Error(err))
				}
			}()

			// Auto-connect when a token is already stored; without one
			// the daemon idles until the CLI logs in.
			if _, found, err := kvs.GetItem(ctx, kv.KeyAuthToken); err == nil && found {
				go mgr.Connect(context.Background())
			} else {
				logger.Info("no auth token stored, waiting for login")
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			serveCancel()
			if err := srv.Shutdown(); err != nil {
				logger.Warn("api shutdown", zap.Error(err))
			}
			svc.Stop()
			mgr.Disconnect()
			if err := kvs.Close(); err != nil {
				logger.Warn("store close", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
