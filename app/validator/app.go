package validator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/outpace-network/validatorx/pkg/access"
	"github.com/outpace-network/validatorx/pkg/adapter"
	"github.com/outpace-network/validatorx/pkg/aggregator"
	"github.com/outpace-network/validatorx/pkg/config"
	"github.com/outpace-network/validatorx/pkg/db"
	"github.com/outpace-network/validatorx/pkg/db/memory"
	"github.com/outpace-network/validatorx/pkg/db/postgres"
	"github.com/outpace-network/validatorx/pkg/logging"
	"github.com/outpace-network/validatorx/pkg/outpace"
	"github.com/outpace-network/validatorx/pkg/redis"
	"github.com/outpace-network/validatorx/pkg/sentry"
	"github.com/outpace-network/validatorx/pkg/serial"
	"github.com/outpace-network/validatorx/pkg/types"
	"github.com/outpace-network/validatorx/pkg/worker"
)

// limiterCacheSize bounds the in-memory rate limiter when Redis is off.
const limiterCacheSize = 100_000

// App is one validator: a sentry that accepts events and peer messages, and
// a worker that ticks every channel it validates on a cron schedule.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Store   db.Store
	Redis   *redis.Client
	Adapter adapter.Adapter

	Registry *aggregator.Registry
	Receiver *sentry.Receiver
	Node     *sentry.Node
	Client   *sentry.HTTPClient
	Worker   *worker.Worker

	// Pool runs channel ticks concurrently.
	Pool pond.Pool

	// Cron triggers TickOnce according to CronSpec.
	Cron     *cron.Cron
	CronSpec string

	Server *http.Server

	ready       atomic.Bool
	stopWatcher context.CancelFunc
}

// Initialize loads the configuration from the environment and builds the App.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	adp, err := newAdapter(cfg)
	if err != nil {
		logger.Fatal("Unable to load validator identity", zap.Error(err))
	}

	store, err := newStore(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("Unable to initialize store", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.UseRedis {
		rdb, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Fatal("Unable to connect to redis", zap.Error(err))
		}
	}

	app, err := New(logger, cfg, adp, store, rdb)
	if err != nil {
		return nil, err
	}

	if cfg.ChannelsFile != "" {
		channels, err := config.LoadChannels(cfg.ChannelsFile)
		if err != nil {
			logger.Fatal("Unable to read channels", zap.Error(err))
		}
		if err := app.LoadChannels(ctx, channels); err != nil {
			logger.Fatal("Unable to load channels", zap.Error(err))
		}
	}

	return app, nil
}

func newAdapter(cfg *config.Config) (adapter.Adapter, error) {
	if cfg.Adapter == config.AdapterDummy {
		return adapter.NewDummy(cfg.DummyIdentity), nil
	}
	if cfg.KeystoreFile == "" {
		return nil, errors.New("KEYSTORE_FILE is required")
	}
	return adapter.LoadKeystore(cfg.KeystoreFile, cfg.KeystorePassword)
}

func newStore(ctx context.Context, logger *zap.Logger, cfg *config.Config) (db.Store, error) {
	if cfg.StoreDriver == config.StoreMemory {
		return memory.New(), nil
	}
	store, err := postgres.NewStore(ctx, logger, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	if err := store.InitializeDB(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// New wires an App from already built dependencies. rdb may be nil, in which
// case rate limits are kept in memory and channel updates stay local.
func New(logger *zap.Logger, cfg *config.Config, adp adapter.Adapter, store db.Store, rdb *redis.Client) (*App, error) {
	var (
		limiter  access.Limiter
		notifier aggregator.Notifier
	)
	if rdb != nil {
		limiter = access.NewRedisLimiter(rdb)
		notifier = rdb
	} else {
		limiter = access.NewMemoryLimiter(limiterCacheSize, time.Hour)
	}

	// shared so a tick never overlaps a persist of the same channel
	locks := serial.New()

	client := sentry.NewHTTPClient(sentry.Opts{
		Timeout: cfg.PropagationTimeout,
		Token:   cfg.SentryToken,
	})
	receiver := sentry.NewReceiver(logger, store, adp)
	registry := aggregator.NewRegistry(logger, store, limiter, locks, notifier, cfg.Aggregator)
	// an exhausted channel stops taking events right away
	receiver.OnExhausted(registry.ChannelChanged)

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Redis:    rdb,
		Adapter:  adp,
		Registry: registry,
		Receiver: receiver,
		Node:     sentry.NewNode(logger, store, receiver, sentry.HTTPTransport{Client: client}, cfg.EventsFindLimit),
		Client:   client,
		Worker:   worker.New(logger, adp, locks, cfg.Worker),
		Pool:     pond.NewPool(cfg.WorkerPoolSize),
		CronSpec: cfg.CronSpec(),
	}
	return app, nil
}

// LoadChannels validates and stores channels. Channels already stored are
// left as they are.
func (a *App) LoadChannels(ctx context.Context, channels []*types.Channel) error {
	rules := a.Config.Channels
	rules.Identity = a.Adapter.WhoAmI()
	for _, ch := range channels {
		if err := outpace.ValidateChannel(ch, rules); err != nil {
			return fmt.Errorf("channel %s: %w", ch.ID, err)
		}
		err := a.Store.InsertChannel(ctx, ch)
		if errors.Is(err, db.ErrAlreadyExists) {
			a.Logger.Debug("Channel already loaded", zap.String("channel", ch.ID))
			continue
		}
		if err != nil {
			return err
		}
		a.Logger.Info("Channel loaded", zap.String("channel", ch.ID))
	}
	return nil
}

// SetupScheduler sets up the cron scheduler.
func (a *App) SetupScheduler(ctx context.Context) error {
	cronLogger := cron.DefaultLogger
	// Seconds field, optional
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	_, err := a.Cron.AddFunc(a.CronSpec, func() {
		if err := a.TickOnce(ctx); err != nil {
			a.Logger.Warn("Tick run failed", zap.Error(err))
		}
	})
	return err
}

// StartCron starts the cron scheduler.
func (a *App) StartCron() {
	a.Cron.Start()
	a.ready.Store(true)
	a.Logger.Info("Cron started", zap.String("cronSpec", a.CronSpec))
}

// StopCron waits for a running tick to finish.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
}

// TickOnce ticks every active channel this validator validates.
func (a *App) TickOnce(ctx context.Context) error {
	// keep each run bounded
	rctx, cancel := context.WithTimeout(ctx, a.runTimeout())
	defer cancel()

	channels, err := a.Store.ListChannels(rctx, db.ChannelFilter{
		Validator: a.Adapter.WhoAmI(),
		ValidAt:   time.Now(),
		Limit:     a.Config.MaxChannels,
	})
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	failed := a.Worker.TickAll(rctx, a.Pool, channels, a.sentryFor)
	a.Logger.Debug("Tick run done", zap.Int("channels", len(channels)), zap.Int("failed", failed))
	return nil
}

func (a *App) runTimeout() time.Duration {
	if a.Config.Worker.TickTimeout > 0 {
		return a.Config.Worker.TickTimeout + 5*time.Second
	}
	return 25 * time.Second
}

// sentryFor reaches the channel through the local store, or through our own
// sentry over HTTP when the worker runs apart from it.
func (a *App) sentryFor(ch *types.Channel) sentry.Interface {
	if a.Config.SentryURL != "" {
		return sentry.NewRemote(a.Logger, a.Client, a.Config.SentryURL, a.Adapter.WhoAmI(), ch)
	}
	return a.Node.ForChannel(ch)
}

// Watch follows channel updates published by other instances until ctx ends.
func (a *App) Watch(ctx context.Context) {
	if a.Redis == nil {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	a.stopWatcher = cancel
	go a.Registry.Watch(wctx, a.Redis)
}

// Router exposes health checks, event submission and the sentry API.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if a.Ready(req.Context()) {
			w.WriteHeader(200)
		} else {
			w.WriteHeader(503)
		}
	})).Methods("GET")

	r.HandleFunc("/channel/{id}/events", a.postEvents).Methods(http.MethodPost)
	sentry.NewHandler(a.Logger, a.Store, a.Receiver, a.Config.SentryToken, a.Config.EventsFindLimit).Register(r)
	return r
}

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	a.Server = &http.Server{Addr: a.Config.Addr, Handler: a.Router(), ReadHeaderTimeout: 10 * time.Second}
}

// Ready reports whether the scheduler runs and Redis, when used, answers.
func (a *App) Ready(ctx context.Context) bool {
	if !a.ready.Load() {
		return false
	}
	if a.Redis != nil {
		if err := a.Redis.Health(ctx); err != nil {
			return false
		}
	}
	return true
}

// Start serves HTTP until ctx is done, then shuts everything down.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	a.Logger.Info("Validator started", zap.String("addr", a.Config.Addr), zap.String("identity", a.Adapter.WhoAmI()))
	<-ctx.Done()
	a.Logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)
	a.Stop(shutdownCtx)
}

// Stop flushes pending aggregates and releases every resource.
func (a *App) Stop(ctx context.Context) {
	a.ready.Store(false)
	a.StopCron()
	if a.stopWatcher != nil {
		a.stopWatcher()
	}
	a.Pool.StopAndWait()
	if err := a.Registry.Close(ctx); err != nil {
		a.Logger.Error("Unable to flush event aggregates", zap.Error(err))
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("Unable to close store", zap.Error(err))
	}
	_ = a.Logger.Sync()
}
