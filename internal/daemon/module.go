// Package daemon composes the client daemon: wire client, store, sync
// engine, outbox, and the session orchestrator, wired through fx.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matrixchat/matrixchat/internal/account"
	"github.com/matrixchat/matrixchat/internal/bus"
	"github.com/matrixchat/matrixchat/internal/config"
	"github.com/matrixchat/matrixchat/internal/lock"
	"github.com/matrixchat/matrixchat/internal/logging"
	"github.com/matrixchat/matrixchat/internal/matrix"
	"github.com/matrixchat/matrixchat/internal/outbox"
	"github.com/matrixchat/matrixchat/internal/recovery"
	"github.com/matrixchat/matrixchat/internal/session"
	"github.com/matrixchat/matrixchat/internal/status"
	"github.com/matrixchat/matrixchat/internal/store"
	intsync "github.com/matrixchat/matrixchat/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Homeserver  string // optional override; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideClient,
			provideReconciler,
			provideEngine,
			provideRecoveryClient,
			provideOrchestrator,
			provideSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	if p.Homeserver != "" {
		cfg.Homeserver = p.Homeserver
	}
	logger.Info("configuration loaded", zap.String("homeserver", cfg.Homeserver))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.StoreDBPath(p.SessionName)
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

func provideClient(cfg *config.Config) *matrix.Client {
	return matrix.NewClient(cfg.Homeserver, cfg.RequestTimeout())
}

func provideReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, b, logger)
}

func provideEngine(client *matrix.Client, rec *intsync.Reconciler, db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(client, rec, db, b, logger, cfg.SyncInterval())
}

func provideRecoveryClient(cfg *config.Config, logger *zap.Logger) *recovery.Client {
	return recovery.NewClient(cfg.Homeserver, cfg.RequestTimeout(), logger)
}

func provideOrchestrator(client *matrix.Client, rc *recovery.Client, db *store.DB, rec *intsync.Reconciler, engine *intsync.Engine, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *account.Orchestrator {
	return account.NewOrchestrator(client, rc, db, rec, engine, machine, b, logger)
}

func provideSender(client *matrix.Client, rec *intsync.Reconciler, engine *intsync.Engine, orch *account.Orchestrator, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(client, rec, engine, logger, orch.Session)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, engine *intsync.Engine, orch *account.Orchestrator, _ *outbox.Sender, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := orch.Restore(context.Background()); err != nil {
				logger.Error("session restore failed", zap.Error(err))
				return err
			}
			logger.Info("daemon started", zap.String("status", string(orch.Status())))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			engine.Stop()
			orch.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
