// Package app initializes and holds the long-lived services of a scraper
// process, acting as its dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hivemind-academic/scholar-scraper/internal/api"
	"github.com/hivemind-academic/scholar-scraper/internal/archive"
	archivegcs "github.com/hivemind-academic/scholar-scraper/internal/archive/gcs"
	archivelocal "github.com/hivemind-academic/scholar-scraper/internal/archive/local"
	archivememory "github.com/hivemind-academic/scholar-scraper/internal/archive/memory"
	"github.com/hivemind-academic/scholar-scraper/internal/broker"
	"github.com/hivemind-academic/scholar-scraper/internal/config"
	"github.com/hivemind-academic/scholar-scraper/internal/database"
	"github.com/hivemind-academic/scholar-scraper/internal/events"
	eventsmemory "github.com/hivemind-academic/scholar-scraper/internal/events/memory"
	eventspubsub "github.com/hivemind-academic/scholar-scraper/internal/events/pubsub"
	"github.com/hivemind-academic/scholar-scraper/internal/fetch"
	"github.com/hivemind-academic/scholar-scraper/internal/id/uuid"
	"github.com/hivemind-academic/scholar-scraper/internal/proxy"
	"github.com/hivemind-academic/scholar-scraper/internal/repository"
	"github.com/hivemind-academic/scholar-scraper/internal/telemetry"
	"github.com/hivemind-academic/scholar-scraper/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App holds the shared services of one worker process. It is built once at
// startup and torn down with Close.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	db      *database.Executor
	repo    *repository.Repository
	proxies *proxy.Pool
	fetcher *fetch.Client
	broker  *broker.Client
	list    *worker.ListWorker
	detail  *worker.DetailWorker
	server  *http.Server

	archiveStore archive.Store
	eventSink    events.Publisher
	closers      []func() error
}

// Option overrides a collaborator, mostly for tests.
type Option func(*options)

type options struct {
	db     *database.Executor
	dialer broker.Dialer
}

// WithDatabase uses an existing executor instead of opening pools.
func WithDatabase(db *database.Executor) Option {
	return func(o *options) { o.db = db }
}

// WithDialer replaces the AMQP dialer.
func WithDialer(d broker.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// New wires every service described by cfg. It fails fast when a required
// service cannot be initialized and releases whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger.Info("initializing application services", zap.String("environment", cfg.Environment))

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			Environment: cfg.Environment,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return tp.Shutdown(shutdownCtx)
		})
	}

	a.db = o.db
	if a.db == nil {
		a.db, err = database.Open(ctx, PoolConfigs(cfg), logger)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
	}
	a.repo, err = repository.New(a.db, uuid.New(), repository.Config{Concurrency: cfg.Workers.ChildConcurrency}, logger.Named("repository"))
	if err != nil {
		return nil, err
	}

	endpoints, err := ProxyEndpoints(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	a.proxies = proxy.NewPool(endpoints)
	logger.Info("proxy pool ready", zap.Int("endpoints", a.proxies.Size()))

	a.fetcher = fetch.New(FetchConfig(cfg.HTTP), a.proxies, logger.Named("fetch"))
	a.broker = broker.New(BrokerConfig(cfg), o.dialer, logger.Named("broker"))

	archiver, err := a.buildArchiver(ctx)
	if err != nil {
		return nil, err
	}
	notifier, err := a.buildNotifier(ctx)
	if err != nil {
		return nil, err
	}

	workerCfg := worker.Config{
		ListQueue:          cfg.Workers.ListQueue,
		DetailQueue:        cfg.Workers.DetailQueue,
		PageDelay:          cfg.Workers.PageDelay(),
		SectionDelay:       cfg.Workers.SectionDelay(),
		SectionConcurrency: cfg.Workers.SectionConcurrency,
		ResumePagination:   cfg.Workers.ResumePagination,
	}
	var detailOpts []worker.DetailOption
	if archiver != nil {
		detailOpts = append(detailOpts, worker.WithArchiver(archiver))
	}
	if notifier != nil {
		detailOpts = append(detailOpts, worker.WithNotifier(notifier))
	}
	a.list = worker.NewList(a.repo, a.broker, a.fetcher, workerCfg, logger.Named("list"))
	a.detail = worker.NewDetail(a.repo, a.fetcher, workerCfg, logger.Named("detail"), detailOpts...)

	if cfg.Server.Enabled {
		srv := api.NewServer(a.broker, api.Config{
			APIKey:      cfg.Server.APIKey,
			ListQueue:   cfg.Workers.ListQueue,
			DetailQueue: cfg.Workers.DetailQueue,
		}, logger.Named("api"))
		a.server = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Server.Port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) buildArchiver(ctx context.Context) (*archive.Archiver, error) {
	cfg := a.cfg.Archive
	var store archive.Store
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "memory":
		store = archivememory.New()
	case "local":
		s, err := archivelocal.New(cfg.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		store = s
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		s, err := archivegcs.New(client, cfg.Bucket)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown archive provider: %s", cfg.Provider)
	}
	a.logger.Info("profile archive enabled", zap.String("provider", cfg.Provider))
	a.archiveStore = store
	return archive.New(store, cfg.Prefix)
}

func (a *App) buildNotifier(ctx context.Context) (*events.Notifier, error) {
	cfg := a.cfg.Events
	var pub events.Publisher
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "memory":
		pub = eventsmemory.New()
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		ps := eventspubsub.New(client)
		a.closers = append(a.closers, func() error {
			ps.Stop()
			return client.Close()
		})
		pub = ps
	default:
		return nil, fmt.Errorf("unknown events provider: %s", cfg.Provider)
	}
	a.logger.Info("sync events enabled", zap.String("provider", cfg.Provider), zap.String("topic", cfg.TopicName))
	a.eventSink = pub
	return events.NewNotifier(pub, cfg.TopicName), nil
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Broker returns the queue client.
func (a *App) Broker() *broker.Client { return a.broker }

// Run connects to the broker, subscribes both workers and serves the ops API
// until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	if err := a.broker.Connect(); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	if err := a.broker.Consume(a.cfg.Workers.ListQueue, a.list.Handle, broker.ConsumeOptions{
		Prefetch: a.cfg.Workers.ListPrefetch,
	}); err != nil {
		return err
	}
	if err := a.broker.Consume(a.cfg.Workers.DetailQueue, a.detail.Handle, broker.ConsumeOptions{
		Prefetch: a.cfg.Workers.DetailPrefetch,
	}); err != nil {
		return err
	}
	a.logger.Info("workers subscribed",
		zap.String("list_queue", a.broker.QueueName(a.cfg.Workers.ListQueue)),
		zap.String("detail_queue", a.broker.QueueName(a.cfg.Workers.DetailQueue)),
	)

	g, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		g.Go(func() error {
			a.logger.Info("ops server listening", zap.String("addr", a.server.Addr))
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		if a.server == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close shuts down every service in reverse dependency order. In-flight
// handlers finish before the database closes.
func (a *App) Close() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Warn("error closing broker", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing client", zap.Error(err))
		}
	}
	a.closers = nil
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
	_ = a.logger.Sync()
}

// BrokerConfig maps the broker section onto broker.Config.
func BrokerConfig(cfg config.Config) broker.Config {
	return broker.Config{
		URL:              cfg.Broker.BrokerURL(),
		QueuePrefix:      cfg.Broker.QueuePrefix,
		ConnectionName:   cfg.ConnectionNameFor(),
		ReconnectDelay:   cfg.Broker.ReconnectDelay(),
		MaxRedeliveries:  cfg.Broker.MaxRedeliveries,
		DeadLetterSuffix: cfg.Broker.DeadLetterSuffix,
	}
}

// PoolConfigs maps the postgres section onto database pool configs.
func PoolConfigs(cfg config.Config) map[database.PoolName]database.PoolConfig {
	out := make(map[database.PoolName]database.PoolConfig, len(cfg.Postgres.Pools))
	for name, p := range cfg.Postgres.Pools {
		out[database.PoolName(name)] = database.PoolConfig{
			DSN:             p.DSN,
			MaxConns:        p.MaxConns,
			MinConns:        p.MinConns,
			MaxConnLifetime: time.Duration(p.MaxConnLifetimeSec) * time.Second,
		}
	}
	return out
}

// FetchConfig maps the http section onto fetch.Config.
func FetchConfig(h config.HTTPConfig) fetch.Config {
	return fetch.Config{
		UserAgent:      h.UserAgent,
		Accept:         h.Accept,
		AcceptLanguage: h.AcceptLanguage,
		Timeout:        h.Timeout(),
		MaxRetries:     h.MaxRetries,
		BackoffInitial: time.Duration(h.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(h.BackoffMaxMs) * time.Millisecond,
		RateLimitRPS:   h.RateLimitRPS,
		RateLimitBurst: h.RateLimitBurst,
		InsecureHosts:  h.InsecureHosts,
	}
}

// ProxyEndpoints merges inline endpoints with the optional proxy file.
func ProxyEndpoints(cfg config.ProxyConfig) ([]proxy.Endpoint, error) {
	endpoints := make([]proxy.Endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		e := proxy.Endpoint{Protocol: ep.Protocol, Host: ep.Host, Port: ep.Port}
		if ep.Username != "" {
			e.Auth = &proxy.Auth{Username: ep.Username, Password: ep.Password}
		}
		endpoints = append(endpoints, e)
	}
	if cfg.File != "" {
		fromFile, err := proxy.LoadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, fromFile...)
	}
	return endpoints, nil
}
