// Package server builds the application's dependency graph and runs its
// long-lived components.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlquota/internal/admission"
	"github.com/JakeFAU/crawlquota/internal/agent"
	"github.com/JakeFAU/crawlquota/internal/agent/headless"
	"github.com/JakeFAU/crawlquota/internal/agent/static"
	"github.com/JakeFAU/crawlquota/internal/api"
	"github.com/JakeFAU/crawlquota/internal/cache"
	"github.com/JakeFAU/crawlquota/internal/clock/system"
	"github.com/JakeFAU/crawlquota/internal/config"
	"github.com/JakeFAU/crawlquota/internal/crawler"
	"github.com/JakeFAU/crawlquota/internal/dispatcher"
	"github.com/JakeFAU/crawlquota/internal/events"
	"github.com/JakeFAU/crawlquota/internal/id/uuid"
	"github.com/JakeFAU/crawlquota/internal/jobs"
	"github.com/JakeFAU/crawlquota/internal/logging"
	"github.com/JakeFAU/crawlquota/internal/policy/domain"
	"github.com/JakeFAU/crawlquota/internal/policy/ratelimit"
	"github.com/JakeFAU/crawlquota/internal/policy/simple"
	kafkapublisher "github.com/JakeFAU/crawlquota/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/crawlquota/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawlquota/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/crawlquota/internal/queue/memory"
	"github.com/JakeFAU/crawlquota/internal/quota"
	"github.com/JakeFAU/crawlquota/internal/quotasync"
	memoryStorage "github.com/JakeFAU/crawlquota/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawlquota/internal/storage/postgres"
	"github.com/JakeFAU/crawlquota/internal/telemetry"
	"github.com/JakeFAU/crawlquota/internal/usage"
	"github.com/JakeFAU/crawlquota/internal/worker"
)

// quotaRepos is satisfied by both quota store backends.
type quotaRepos interface {
	quota.UserRepository
	quota.SnapshotRepository
	quota.PlanRepository
	quota.SubscriptionRepository
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer  *api.Server
	dispatch   *dispatcher.Dispatcher
	queue      *queueMemory.Queue
	syncWorker *quotasync.Worker
	consumer   *usage.Consumer

	ledger       *quota.Ledger
	quotaCache   *cache.Cache
	db           *pgstore.DB
	redis        *cache.RedisStore
	publisher    events.Publisher
	pubsubClient *pubsub.Client
	headless     *headless.Agent

	shutdownTracing func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger creates the application's dependencies with the given
// logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("events_backend", cfg.Events.Backend),
		zap.Bool("postgres", cfg.Database.DSN != ""),
		zap.Bool("redis", cfg.Redis.Addr != ""),
	)

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure()
		}
	}()

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.InitTracing(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("tracing init failed: %w", err)
		}
		app.shutdownTracing = shutdown
	}

	jobStore, quotas, err := app.setupStores(ctx)
	if err != nil {
		return nil, err
	}
	if err := app.setupCache(ctx); err != nil {
		return nil, err
	}
	if err := app.setupPublisher(ctx); err != nil {
		return nil, err
	}

	clock := system.New()
	emitter := events.NewEmitter(app.publisher, clock, logger.Named("events"))
	app.ledger = quota.NewLedger(quotas, quotas, app.quotaCache, quota.LedgerOptions{
		CacheTTL: cfg.Cache.QuotaTTL,
		Clock:    clock,
		Logger:   logger.Named("ledger"),
	})
	registry := jobs.New(jobStore, emitter, clock, logger.Named("jobs"))

	app.queue = queueMemory.NewQueue(cfg.Worker.QueueDepth)
	if err := app.setupDispatcher(registry, emitter, clock); err != nil {
		return nil, err
	}

	controller := admission.New(admission.Deps{
		Ledger:  app.ledger,
		Jobs:    registry,
		Policy:  app.domainPolicy(),
		Queue:   app.dispatch,
		Emitter: emitter,
		IDs:     uuid.New(),
		Clock:   clock,
		Logger:  logger.Named("admission"),
	}, admission.Limits{
		MaxURLs:               cfg.Admission.MaxURLs,
		MinTimeoutSeconds:     cfg.Admission.MinTimeoutSeconds,
		MaxTimeoutSeconds:     cfg.Admission.MaxTimeoutSeconds,
		DefaultTimeoutSeconds: cfg.Admission.DefaultTimeoutSeconds,
		MaxRetriesLimit:       cfg.Admission.MaxRetriesLimit,
		ActiveJobCaps:         cfg.Admission.ActiveJobCaps,
		DefaultActiveJobCap:   cfg.Admission.DefaultActiveJobCap,
	})

	app.syncWorker = quotasync.New(quotasync.Deps{
		Users:         quotas,
		Plans:         quotas,
		Subscriptions: quotas,
		Ledger:        app.ledger,
		Clock:         clock,
		Logger:        logger.Named("quota_sync"),
	}, quotasync.Config{
		StartupDelay:    cfg.Sync.StartupDelay,
		Interval:        cfg.Sync.Interval,
		PageSize:        cfg.Sync.PageSize,
		AutoReset:       cfg.Sync.AutoReset,
		ResetWindowDays: cfg.Sync.ResetWindowDays,
		Defaults: quota.RoleDefaults{
			Student:  cfg.Quota.StudentDefault,
			Lecturer: cfg.Quota.LecturerDefault,
			Staff:    cfg.Quota.StaffDefault,
			Admin:    cfg.Quota.AdminDefault,
		},
		BackoffInitial: cfg.Sync.BackoffInitial,
		BackoffMax:     cfg.Sync.BackoffMax,
	})

	app.setupConsumer()

	app.apiServer = api.NewServer(api.Deps{
		Admission: controller,
		Jobs:      registry,
		Cache:     app.quotaCache,
		Ready:     app.ready,
		Logger:    logger.Named("api"),
	}, *cfg)

	ok = true
	return app, nil
}

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the HTTP server, the worker pool, the quota sync worker and the
// usage consumer, and blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(gctx)
		return nil
	})
	if a.cfg.Sync.Enabled {
		g.Go(func() error { return a.syncWorker.Run(gctx) })
	}
	if a.consumer != nil {
		g.Go(func() error { return a.consumer.Run(gctx) })
	}

	err := g.Wait()
	a.Close()
	return err
}

// SyncOnce runs a single quota reconciliation cycle.
func (a *App) SyncOnce(ctx context.Context) (quotasync.CycleReport, error) {
	report, err := a.syncWorker.RunOnce(ctx)
	if err != nil {
		return report, fmt.Errorf("quota sync: %w", err)
	}
	return report, nil
}

// Close releases every client the App opened.
func (a *App) Close() {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := a.shutdownTracing(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func (a *App) ready(ctx context.Context) error {
	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (a *App) setupStores(ctx context.Context) (crawler.JobStore, quotaRepos, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory repositories")
		quotas := memoryStorage.NewQuotaStore()
		return memoryStorage.NewJobStore(), quotas, nil
	}
	db, err := OpenDatabase(ctx, a.cfg)
	if err != nil {
		return nil, nil, err
	}
	a.db = db
	if a.cfg.Database.MigrateOnStart {
		if err := db.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		a.logger.Info("database schema applied")
	}
	a.logger.Info("postgres repositories initialized")
	return db.Jobs(), db.Quotas(), nil
}

func (a *App) setupCache(ctx context.Context) error {
	var store cache.Store
	if a.cfg.Redis.Addr != "" {
		a.redis = cache.NewRedisStore(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
		if err := a.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping %s: %w", a.cfg.Redis.Addr, err)
		}
		store = a.redis
		a.logger.Info("using redis cache store", zap.String("addr", a.cfg.Redis.Addr))
	} else {
		store = cache.NewMemoryStore()
		a.logger.Info("using in-memory cache store")
	}
	a.quotaCache = cache.New(store, cache.Config{
		DefaultTTL:    a.cfg.Cache.DefaultTTL,
		JitterPercent: a.cfg.Cache.JitterPercent,
		LockGCDelay:   a.cfg.Cache.LockGCDelay,
		Namespace:     a.cfg.Cache.Namespace,
		Logger:        a.logger.Named("cache"),
	})
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Events.Backend {
	case config.BackendKafka:
		a.publisher = kafkapublisher.New(a.cfg.Kafka.Brokers, a.cfg.Kafka.LifecycleTopic, a.cfg.Kafka.UsageTopic)
		a.logger.Info("kafka publisher initialized",
			zap.Strings("brokers", a.cfg.Kafka.Brokers),
			zap.String("lifecycle_topic", a.cfg.Kafka.LifecycleTopic),
			zap.String("usage_topic", a.cfg.Kafka.UsageTopic),
		)
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.publisher = gcppublisher.New(client.Publisher(a.cfg.PubSub.TopicName))
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	default:
		a.logger.Warn("using in-memory event publisher")
		a.publisher = memorypublisher.New()
	}
	return nil
}

func (a *App) setupConsumer() {
	if a.cfg.Events.Backend != config.BackendKafka || !a.cfg.Kafka.ConsumerEnabled {
		a.logger.Info("usage consumer disabled")
		return
	}
	kcfg := a.cfg.Kafka
	ensure := func(ctx context.Context) error {
		return kafkapublisher.EnsureTopic(ctx, kcfg.Brokers, kafkapublisher.TopicSpec{
			Name:              kcfg.UsageTopic,
			Partitions:        kcfg.Partitions,
			ReplicationFactor: kcfg.ReplicationFactor,
		})
	}
	a.consumer = usage.New(
		usage.NewKafkaReaderFactory(kcfg.Brokers, kcfg.UsageTopic, kcfg.UsageGroupID),
		ensure,
		a.ledger,
		usage.Config{
			EnsureTopicAttempts: kcfg.EnsureTopicAttempts,
			EnsureTopicDelay:    kcfg.EnsureTopicDelay,
			ReconnectBackoff:    kcfg.ReconnectBackoff,
		},
		a.logger.Named("usage"),
	)
}

func (a *App) domainPolicy() admission.DomainPolicy {
	dp := a.cfg.DomainPolicy
	if !dp.Enabled {
		a.logger.Info("domain policy disabled, allowing every host")
		return simple.New()
	}
	return domain.New(domain.Config{
		BlockPrivate: dp.BlockPrivate,
		Blocked:      dp.Blocked,
		ByTier:       dp.ByTier,
		ByRole:       dp.ByRole,
	})
}

func (a *App) setupDispatcher(registry *jobs.Registry, emitter *events.Emitter, clock crawler.Clock) error {
	agents := a.cfg.Agents
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   agents.PerDomainRPS,
		DefaultBurst: agents.PerDomainBurst,
	})
	selector := agent.NewSelector(static.New(static.Config{
		UserAgent:     agents.UserAgent,
		RespectRobots: true,
		MaxBodyBytes:  agents.MaxBodyBytes,
	}, limiter, clock))
	a.logger.Info("static agent registered",
		zap.String("user_agent", agents.UserAgent),
		zap.Float64("per_domain_rps", agents.PerDomainRPS),
	)

	if agents.HeadlessEnabled {
		h, err := headless.New(headless.Config{
			MaxParallel: agents.HeadlessParallel,
			UserAgent:   agents.UserAgent,
		}, clock)
		if err != nil {
			return fmt.Errorf("headless agent init failed: %w", err)
		}
		a.headless = h
		selector.Register(h)
		a.logger.Info("headless agent registered", zap.Int("max_parallel", agents.HeadlessParallel))
	}

	tracker := worker.NewTracker()
	registry.SetCanceller(tracker)

	workers := make([]*worker.Worker, 0, a.cfg.Worker.Concurrency)
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(worker.Deps{
			Queue:    a.queue,
			Registry: registry,
			Selector: selector,
			Tracker:  tracker,
			Emitter:  emitter,
			Logger:   a.logger.Named("worker").With(zap.Int("index", i)),
		}))
	}
	a.dispatch = dispatcher.New(a.queue, workers)
	return nil
}

// OpenDatabase connects the Postgres pool described by cfg.
func OpenDatabase(ctx context.Context, cfg *config.Config) (*pgstore.DB, error) {
	db, err := pgstore.Open(ctx, pgstore.Config{
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("database init failed: %w", err)
	}
	return db, nil
}
