package daemon

import (
	"context"
	"sync"

	"github.com/matheus3301/vksync/internal/api"
	"github.com/matheus3301/vksync/internal/attach"
	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/config"
	"github.com/matheus3301/vksync/internal/focus"
	"github.com/matheus3301/vksync/internal/lock"
	"github.com/matheus3301/vksync/internal/logging"
	"github.com/matheus3301/vksync/internal/longpoll"
	"github.com/matheus3301/vksync/internal/outbox"
	"github.com/matheus3301/vksync/internal/roster"
	"github.com/matheus3301/vksync/internal/session"
	"github.com/matheus3301/vksync/internal/status"
	"github.com/matheus3301/vksync/internal/store"
	intsync "github.com/matheus3301/vksync/internal/sync"
	"github.com/matheus3301/vksync/internal/vk"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // empty = ~/.vksync/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideGateway,
			provideFocus,
			provideResolver,
			provideRoster,
			provideSyncEngine,
			provideReconciler,
			provideSender,
			providePreparer,
			provideDriver,
			provideSessionService,
			provideRosterService,
			provideMessageService,
			provideEventService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.LoadOrDefault(path)
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
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
	l, err := lock.Acquire(session.Dir(p.SessionName), p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by a second
// daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func tokenPath(p Params, cfg *config.Config) string {
	if cfg.API.TokenFile != "" {
		return cfg.API.TokenFile
	}
	return session.TokenPath(p.SessionName)
}

func provideGateway(p Params, cfg *config.Config, logger *zap.Logger) *vk.Gateway {
	return vk.New(vk.Options{
		URL:           cfg.API.URL,
		Version:       cfg.API.Version,
		Timeout:       cfg.API.Timeout,
		RatePerSecond: cfg.API.RatePerSecond,
	}, vk.TokenFileAuthenticator{Path: tokenPath(p, cfg)}, logger)
}

func provideFocus(b *bus.Bus) *focus.Tracker {
	return focus.NewTracker(b)
}

func provideResolver(p Params, cfg *config.Config, db *store.DB, gw *vk.Gateway, b *bus.Bus, logger *zap.Logger) *attach.Resolver {
	return attach.NewResolver(db, gw.HTTPClient(), session.ThumbDir(p.SessionName), cfg.Messages.ThumbnailWorkers, b, logger)
}

func provideRoster(cfg *config.Config, db *store.DB, gw *vk.Gateway, tracker *focus.Tracker, b *bus.Bus, logger *zap.Logger) *roster.Engine {
	return roster.NewEngine(db, gw, tracker, b, logger, roster.Options{
		OnlyFriends:      cfg.Roster.OnlyFriends,
		ChatsInRoster:    cfg.Roster.ChatsInRoster,
		DefaultGroup:     cfg.Roster.DefaultGroup,
		ChatGroup:        cfg.Roster.ChatGroup,
		RefreshInterval:  cfg.Roster.RefreshInterval,
		PresenceInterval: cfg.Roster.PresenceInterval,
	})
}

func provideSyncEngine(cfg *config.Config, db *store.DB, gw *vk.Gateway, tracker *focus.Tracker, r *roster.Engine,
	resolver *attach.Resolver, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, gw, tracker, r, resolver, b, logger, intsync.Options{
		MarkReadOnlineOnly:  cfg.Messages.MarkReadOnlineOnly,
		MarkReadInactiveTab: cfg.Messages.MarkReadInactiveTab,
	})
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger)
}

func provideSender(db *store.DB, gw *vk.Gateway, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, gw, engine, b, logger, outbox.Options{})
}

func providePreparer(r *roster.Engine, engine *intsync.Engine, logger *zap.Logger) *Preparer {
	return NewPreparer(r, engine, logger)
}

func provideDriver(cfg *config.Config, gw *vk.Gateway, engine *intsync.Engine, r *roster.Engine, prep *Preparer,
	rec *intsync.Reconciler, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *longpoll.Driver {
	handlers := longpoll.Handlers{engine, r}
	return longpoll.NewDriver(gw, gw.HTTPClient(), handlers, prep, rec, machine, b, logger, longpoll.Options{
		Wait:       cfg.LongPoll.Wait,
		RetryDelay: cfg.LongPoll.RetryDelay,
	})
}

func provideSessionService(p Params, cfg *config.Config, m *status.Machine, gw *vk.Gateway, db *store.DB) *api.SessionService {
	return api.NewSessionService(p.SessionName, m, gw, db, tokenPath(p, cfg))
}

func provideRosterService(db *store.DB, r *roster.Engine) *api.RosterService {
	return api.NewRosterService(db, r)
}

func provideMessageService(db *store.DB, sender *outbox.Sender, tracker *focus.Tracker) *api.MessageService {
	return api.NewMessageService(db, sender, tracker)
}

func provideEventService(p Params, b *bus.Bus, logger *zap.Logger) *api.EventService {
	return api.NewEventService(b, p.SessionName, logger)
}

type lifecycleDeps struct {
	fx.In

	Server   *Server
	Lock     *lock.Lock
	DB       *store.DB
	Gateway  *vk.Gateway
	Driver   *longpoll.Driver
	Engine   *intsync.Engine
	Roster   *roster.Engine
	Resolver *attach.Resolver
	Sender   *outbox.Sender
	Machine  *status.Machine
	Bus      *bus.Bus
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	runCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start the message engine (subscribes to focus.* bus events).
			d.Engine.Start(runCtx)

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			d.Sender.Start(runCtx)

			goRun(func() { forwardEscalations(runCtx, d.Gateway, d.Bus, d.Logger) })
			goRun(func() { _ = d.Roster.Run(runCtx) })
			goRun(func() {
				if err := d.Driver.Run(runCtx); err != nil {
					d.Logger.Error("session terminated", zap.Error(err))
				}
			})
			// A terminated session (logout, terminal error) stops the
			// background loops but leaves the host surface up.
			goRun(func() {
				select {
				case <-d.Machine.Done():
					d.Logger.Info("session terminated, stopping loops")
					cancel()
				case <-runCtx.Done():
				}
			})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			waitGroup(ctx, &wg)

			d.Sender.Stop()
			if err := d.Engine.Close(ctx); err != nil {
				d.Logger.Warn("failed to mark deferred messages read", zap.Error(err))
			}
			d.Resolver.Stop()
			d.Server.Stop(ctx)
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return nil
		},
	})
}

// forwardEscalations publishes gateway escalations for the host until ctx
// is done.
func forwardEscalations(ctx context.Context, gw *vk.Gateway, b *bus.Bus, logger *zap.Logger) {
	for {
		select {
		case esc := <-gw.Escalations():
			logger.Warn("validation required", zap.String("method", esc.Method), zap.String("redirect_uri", esc.RedirectURI))
			b.Emit(bus.KindEscalation, esc)
		case <-ctx.Done():
			return
		}
	}
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
