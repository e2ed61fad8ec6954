package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/api"
	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/cache"
	"github.com/matheus3301/inbox/internal/config"
	"github.com/matheus3301/inbox/internal/identity"
	"github.com/matheus3301/inbox/internal/lock"
	"github.com/matheus3301/inbox/internal/logging"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/outbox"
	"github.com/matheus3301/inbox/internal/projector"
	"github.com/matheus3301/inbox/internal/reconcile"
	"github.com/matheus3301/inbox/internal/selection"
	"github.com/matheus3301/inbox/internal/session"
	"github.com/matheus3301/inbox/internal/smsscan"
	"github.com/matheus3301/inbox/internal/status"
	"github.com/matheus3301/inbox/internal/store"
	intsync "github.com/matheus3301/inbox/internal/sync"
	"github.com/matheus3301/inbox/internal/view"
	"github.com/matheus3301/inbox/internal/wa"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load ~/.inbox/config.toml
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
			provideMetrics,
			provideParticipants,
			provideLinkPreviews,
			provideProjector,
			provideView,
			provideWriter,
			provideReconciler,
			selection.New,
			provideSyncEngine,
			provideAdapter,
			provideScanner,
			provideConversationService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(session.ConfigPath())
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
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// process holding the session.
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideParticipants(db *store.DB, cfg *config.Config, m *metrics.Metrics) (*cache.Participants, error) {
	return cache.NewParticipants(db, int64(cfg.View.ParticipantCache), 10*time.Minute, m)
}

func provideLinkPreviews(db *store.DB, logger *zap.Logger, m *metrics.Metrics) (*cache.LinkPreviews, error) {
	return cache.NewLinkPreviews(db, 1024, logger, m)
}

func provideProjector(cfg *config.Config, previews *cache.LinkPreviews) *projector.Projector {
	return projector.New(identity.Normalizer{CountryCode: cfg.Identity.DefaultCountryCode}, previews)
}

// cachedSource reads threads from the store and participants through the cache.
type cachedSource struct {
	*store.DB
	participants *cache.Participants
}

func (s cachedSource) ParticipantsForThreads(ctx context.Context, threadGUIDs []string) ([]store.Participant, error) {
	return s.participants.ParticipantsForThreads(ctx, threadGUIDs)
}

func provideView(db *store.DB, participants *cache.Participants, p *projector.Projector, cfg *config.Config, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *view.Store {
	src := cachedSource{DB: db, participants: participants}
	return view.New(src, p, view.Options{PageSize: cfg.View.PageSize, Bus: b, Metrics: m}, logger.Named("view"))
}

func provideWriter(db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Writer {
	return outbox.NewWriter(db, b, m, logger.Named("outbox"))
}

func provideReconciler(v *view.Store, w *outbox.Writer, b *bus.Bus, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.New(v, w, b, m, reconcile.Options{
		Debounce:  time.Duration(cfg.View.ReconcileDebounceMS) * time.Millisecond,
		TypingTTL: time.Duration(cfg.View.TypingTTLMS) * time.Millisecond,
	}, logger.Named("reconcile"))
}

func provideSyncEngine(db *store.DB, b *bus.Bus, participants *cache.Participants, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, participants, logger.Named("sync"))
}

// provideAdapter returns nil when the push transport is disabled.
func provideAdapter(p Params, cfg *config.Config, _ *lock.Lock, b *bus.Bus, logger *zap.Logger) (*wa.Adapter, error) {
	if !cfg.Push.Enabled {
		return nil, nil
	}
	return wa.NewAdapter(context.Background(), p.SessionName, cfg.Push.DeviceName, b, logger.Named("wa"))
}

// provideScanner returns nil when no legacy database is configured.
func provideScanner(cfg *config.Config, engine *intsync.Engine, db *store.DB, b *bus.Bus, logger *zap.Logger) *smsscan.Scanner {
	if cfg.SMS.DBPath == "" {
		return nil
	}
	return smsscan.New(cfg.SMS.DBPath, engine, db, b, logger.Named("sms"))
}

func provideConversationService(p Params, r *reconcile.Reconciler, v *view.Store, sel *selection.Tracker, w *outbox.Writer, m *status.Machine, adapter *wa.Adapter, b *bus.Bus, logger *zap.Logger) *api.ConversationService {
	cfg := api.ServiceConfig{
		SessionName: p.SessionName,
		Reconciler:  r,
		View:        v,
		Selection:   sel,
		Writes:      w,
		Machine:     m,
		Bus:         b,
		Logger:      logger.Named("api"),
	}
	if adapter != nil {
		cfg.Phone = adapter
	}
	return api.NewConversationService(cfg)
}

type lifecycleParams struct {
	fx.In

	Config       *config.Config
	Server       *Server
	Lock         *lock.Lock
	DB           *store.DB
	Metrics      *metrics.Metrics
	Participants *cache.Participants
	Previews     *cache.LinkPreviews
	Writer       *outbox.Writer
	Reconciler   *reconcile.Reconciler
	Engine       *intsync.Engine
	Adapter      *wa.Adapter
	Scanner      *smsscan.Scanner
	Machine      *status.Machine
	Bus          *bus.Bus
	Logger       *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	logger := p.Logger
	ctx, cancel := context.WithCancel(context.Background())
	var background []chan struct{}
	goBackground := func(fn func()) {
		done := make(chan struct{})
		background = append(background, done)
		go func() {
			defer close(done)
			fn()
		}()
	}
	var metricsSrv *http.Server

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if _, err := p.Writer.Recover(startCtx); err != nil {
				return err
			}
			p.Writer.Start()

			// Start sync engine (subscribes to wa.* bus events).
			p.Engine.Start(ctx)
			p.Reconciler.Start(ctx)

			// Start gRPC server in background.
			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if addr := p.Config.Metrics.Addr; addr != "" {
				metricsSrv = &http.Server{Addr: addr, Handler: p.Metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Warn("metrics listener stopped", zap.Error(err))
					}
				}()
			}

			goBackground(func() {
				if err := p.Reconciler.LoadInitial(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("initial conversation load failed", zap.Error(err))
				}
			})

			if p.Scanner != nil {
				opts := smsscan.WatchOptions{
					Watch:    p.Config.SMS.Watch,
					Interval: time.Duration(p.Config.SMS.ScanIntervalMS) * time.Millisecond,
				}
				goBackground(func() {
					if err := p.Scanner.Run(ctx, opts); err != nil {
						logger.Error("legacy scanner stopped", zap.Error(err))
					}
				})
			}

			startPush(ctx, p, goBackground)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			for _, done := range background {
				<-done
			}
			p.Server.Stop(stopCtx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(stopCtx)
			}
			p.Reconciler.Stop()
			if err := p.Writer.Close(stopCtx); err != nil {
				logger.Warn("pending writes not drained", zap.Error(err))
			}
			p.Engine.Stop()
			if p.Adapter != nil {
				if err := p.Adapter.Close(); err != nil {
					logger.Warn("error closing device store", zap.Error(err))
				}
			}
			p.Participants.Close()
			p.Previews.Close()
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

// startPush wires the push transport: event handler, contact refresh on
// connect, and the initial connection when credentials exist.
func startPush(ctx context.Context, p lifecycleParams, goBackground func(func())) {
	logger := p.Logger
	if p.Adapter == nil {
		logger.Info("push transport disabled")
		_ = p.Machine.Transition(status.Disabled)
		return
	}

	handler := wa.NewEventHandler(p.Bus, p.Machine, p.Adapter, logger.Named("wa"))
	p.Adapter.RegisterEventHandler(handler.Handle)

	connected, unsub := p.Bus.Subscribe("sync.connected", 4)
	goBackground(func() {
		defer unsub()
		for {
			select {
			case <-connected:
				n := p.Adapter.PublishContacts(ctx)
				logger.Info("contacts refreshed", zap.Int("count", n))
			case <-ctx.Done():
				return
			}
		}
	})

	// Transition state based on auth status.
	if p.Adapter.IsLoggedIn() {
		_ = p.Machine.Transition(status.Connecting)
		go func() {
			if err := p.Adapter.Connect(); err != nil {
				logger.Error("auto-connect failed", zap.Error(err))
				_ = p.Machine.Transition(status.Error)
			}
		}()
	} else {
		logger.Info("no credentials found, auth required")
		_ = p.Machine.Transition(status.AuthRequired)
	}
}
