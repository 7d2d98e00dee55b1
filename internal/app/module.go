// Package app composes the sync core into a runnable daemon.
package app

import (
	"context"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"chatsync/internal/assets"
	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/hotpool"
	"chatsync/internal/lock"
	"chatsync/internal/logging"
	"chatsync/internal/paths"
	"chatsync/internal/remote"
	"chatsync/internal/store"
	intsync "chatsync/internal/sync"
	"chatsync/internal/transport"
)

// reconcileInterval is how often loaded rooms are checked for remote
// deletions the realtime path missed.
const reconcileInterval = 5 * time.Minute

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	ConfigPath string // empty = default location
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("app",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRemote,
			provideStorageClient,
			provideUpstream,
			provideResolver,
			provideDiskCache,
			provideTransport,
			provideHotPool,
			provideOrchestrator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = paths.ConfigPath()
	}
	return config.Load(path)
}

func provideLogger() (*zap.Logger, error) {
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}
	return logging.New(paths.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring cache lock", zap.String("dir", paths.BaseDir()))
	l, err := lock.Acquire(paths.BaseDir())
	if err != nil {
		return nil, err
	}
	logger.Info("cache lock acquired")
	return l, nil
}

func provideStore(logger *zap.Logger, _ *lock.Lock) (*store.DB, error) {
	dbPath := paths.CacheDBPath()
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// credentialOptions builds client options from the environment, if any.
func credentialOptions() []option.ClientOption {
	if json := config.CredentialsJSON(); json != nil {
		return []option.ClientOption{option.WithCredentialsJSON(json)}
	}
	if path := config.CredentialsPath(); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

func provideRemote(cfg *config.Config, logger *zap.Logger) (*remote.Client, error) {
	return remote.New(context.Background(), cfg.Remote.ProjectID, logger, credentialOptions()...)
}

func provideStorageClient() (*storage.Client, error) {
	return storage.NewClient(context.Background(), credentialOptions()...)
}

func provideUpstream(client *storage.Client, cfg *config.Config) *assets.SignedURLUpstream {
	return assets.NewSignedURLUpstream(client, cfg.Remote.Bucket)
}

func provideResolver(upstream *assets.SignedURLUpstream, b *bus.Bus, logger *zap.Logger) *assets.Resolver {
	return assets.NewResolver(upstream, b, logger)
}

func provideDiskCache(cfg *config.Config, logger *zap.Logger) (*assets.DiskCache, error) {
	return assets.NewDiskCache(paths.MediaDir(), cfg.Cache.MediaCapacity, logger)
}

func provideTransport(cfg *config.Config, upstream *assets.SignedURLUpstream, b *bus.Bus, logger *zap.Logger) *transport.Client {
	return transport.NewClient(transport.Options{
		URL:           cfg.Transport.URL,
		CurrentUser:   cfg.CurrentUser,
		AckTimeout:    cfg.Transport.Timeout(),
		ReconnectBase: cfg.Transport.ReconnectBase.Duration,
	}, upstream, b, logger)
}

// profileSubscriber adapts the remote client to the pool's interface.
type profileSubscriber struct {
	rc *remote.Client
}

func (s profileSubscriber) Subscribe(email string, onChange func(store.SenderProfile)) (func(), error) {
	return s.rc.WatchProfile(email, onChange)
}

func provideHotPool(cfg *config.Config, rc *remote.Client, b *bus.Bus, logger *zap.Logger) *hotpool.Pool {
	return hotpool.New(cfg.HotPool.Capacity, profileSubscriber{rc}, b, logger)
}

func provideOrchestrator(db *store.DB, rc *remote.Client, tc *transport.Client, pool *hotpool.Pool, media *assets.DiskCache, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Orchestrator {
	return intsync.New(db, rc, tc, pool, media, b, logger, intsync.Options{
		CurrentUser: cfg.CurrentUser,
		PageSize:    cfg.Cache.PageSize,
	})
}

func registerLifecycle(lc fx.Lifecycle, orch *intsync.Orchestrator, tc *transport.Client, rc *remote.Client, pool *hotpool.Pool, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Ingest loop first, so nothing published on connect is lost.
			orch.Start(runCtx)

			go func() {
				if err := tc.Connect(runCtx); err != nil {
					logger.Error("transport connect failed", zap.Error(err))
				}
			}()

			go func() {
				ticker := time.NewTicker(reconcileInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						orch.ReconcileAll(runCtx)
					case <-runCtx.Done():
						return
					}
				}
			}()

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			orch.Stop()
			tc.Disconnect()
			pool.Reset()
			if err := rc.Close(); err != nil {
				logger.Warn("error closing remote client", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
