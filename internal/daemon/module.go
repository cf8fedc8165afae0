// Package daemon composes the chat engine into a running process: config,
// lock, store, transport, sync, delivery, outbox, notifications, and the
// session manager, wired through fx.
package daemon

import (
	"context"
	"path/filepath"

	"github.com/pcastanho/cardchat/internal/appdir"
	"github.com/pcastanho/cardchat/internal/bus"
	"github.com/pcastanho/cardchat/internal/config"
	"github.com/pcastanho/cardchat/internal/delivery"
	"github.com/pcastanho/cardchat/internal/focus"
	"github.com/pcastanho/cardchat/internal/lock"
	"github.com/pcastanho/cardchat/internal/logging"
	"github.com/pcastanho/cardchat/internal/notify"
	"github.com/pcastanho/cardchat/internal/origin"
	"github.com/pcastanho/cardchat/internal/outbox"
	"github.com/pcastanho/cardchat/internal/session"
	"github.com/pcastanho/cardchat/internal/store"
	intsync "github.com/pcastanho/cardchat/internal/sync"
	"github.com/pcastanho/cardchat/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved startup options passed to the fx module.
type Params struct {
	ConfigPath string // empty = ~/.cardchat/config.toml
	DataDir    string // empty = ~/.cardchat
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideOriginClient,
			provideAdapter,
			provideFocus,
			provideTracker,
			provideEngine,
			providePoller,
			providePipeline,
			provideNotifier,
			provideSessionDeps,
			provideManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func (p Params) configPath() string {
	if p.ConfigPath != "" {
		return p.ConfigPath
	}
	return appdir.ConfigPath()
}

func (p Params) dataDir() string {
	if p.DataDir != "" {
		return p.DataDir
	}
	return appdir.BaseDir()
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.configPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	if err := appdir.EnsureDirs(); err != nil {
		return nil, err
	}
	return logging.New(appdir.LogPath(), cfg.Identity.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", p.dataDir()))
	l, err := lock.Acquire(p.dataDir())
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.Store, error) {
	dbPath := appdir.DBPath()
	if p.DataDir != "" {
		dbPath = filepath.Join(p.DataDir, "cardchat.db")
	}
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
	return store.NewStore(db, logger), nil
}

func provideOriginClient(cfg *config.Config, logger *zap.Logger) *origin.Client {
	return origin.NewClient(cfg.Server.BaseURL, cfg.RequestTimeout(), logger)
}

func provideAdapter(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Adapter {
	return transport.NewAdapter(cfg.Server.WebsocketURL, b, logger)
}

func provideFocus() *focus.Cell {
	return focus.NewCell()
}

func provideTracker(s *store.Store, client *origin.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *delivery.Tracker {
	return delivery.NewTracker(s, client, b, cfg.AckFlushInterval(), logger)
}

func provideEngine(s *store.Store, tracker *delivery.Tracker, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(s, tracker, b, cfg.Identity.UserID, logger)
}

func providePoller(client *origin.Client, engine *intsync.Engine, s *store.Store, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Poller {
	return intsync.NewPoller(client, engine, s, b, cfg.PollInterval(), logger)
}

func providePipeline(s *store.Store, adapter *transport.Adapter, client *origin.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Pipeline {
	self := outbox.Identity{
		UserID:      cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
	}
	return outbox.NewPipeline(s, adapter, client, b, self, logger)
}

func provideNotifier(b *bus.Bus, f *focus.Cell, cfg *config.Config, manager *session.Manager, logger *zap.Logger) *notify.Notifier {
	// Tapping a notification opens that conversation.
	onTap := func(conv store.Conversation) {
		if _, _, err := manager.Enter(context.Background(), conv); err != nil {
			logger.Warn("opening conversation from notification failed",
				zap.String("conversation", conv.ID), zap.Error(err))
		}
	}
	return notify.NewNotifier(b, f, logPresenter{logger}, cfg.Identity.UserID, onTap, logger)
}

func provideSessionDeps(s *store.Store, adapter *transport.Adapter, poller *intsync.Poller, pipeline *outbox.Pipeline, tracker *delivery.Tracker, f *focus.Cell, b *bus.Bus, cfg *config.Config, logger *zap.Logger) session.Deps {
	return session.Deps{
		Store:        s,
		Rooms:        adapter,
		Reconciler:   poller,
		Sender:       pipeline,
		Acks:         tracker,
		Focus:        f,
		Bus:          b,
		Logger:       logger,
		PollInterval: cfg.PollInterval(),
	}
}

func provideManager(deps session.Deps) *session.Manager {
	return session.NewManager(deps, nil)
}

// logPresenter is the headless notification sink: the daemon has no UI of
// its own, so notifications land in the log for the host app to surface.
type logPresenter struct {
	logger *zap.Logger
}

func (p logPresenter) Present(title, body string, _ func()) {
	p.logger.Info("notification",
		zap.String("title", title),
		zap.String("body", body))
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	adapter *transport.Adapter,
	engine *intsync.Engine,
	poller *intsync.Poller,
	tracker *delivery.Tracker,
	pipeline *outbox.Pipeline,
	notifier *notify.Notifier,
	manager *session.Manager,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()

			// Merging must be live before the transport can deliver.
			engine.Start(ctx)
			notifier.Start(ctx)
			manager.Start(ctx)

			adapter.Start(ctx)
			poller.Start(ctx)
			tracker.Start(ctx)
			pipeline.Start(ctx)

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = manager.Leave(ctx)

			pipeline.Stop()
			tracker.Stop()
			poller.Stop()
			adapter.Stop()
			manager.Stop()
			notifier.Stop()
			engine.Stop()

			// Last chance to drain acks recorded during shutdown.
			tracker.FlushAll(ctx)

			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
