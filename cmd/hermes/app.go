package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wehubfusion/Hermes/internal/nats"
	"github.com/wehubfusion/Hermes/internal/tracing"
	"github.com/wehubfusion/Hermes/pkg/adapter"
	"github.com/wehubfusion/Hermes/pkg/audit"
	"github.com/wehubfusion/Hermes/pkg/concurrency"
	"github.com/wehubfusion/Hermes/pkg/config"
	"github.com/wehubfusion/Hermes/pkg/expression"
	"github.com/wehubfusion/Hermes/pkg/gateway"
	"github.com/wehubfusion/Hermes/pkg/lookup"
	"github.com/wehubfusion/Hermes/pkg/mapping"
	"github.com/wehubfusion/Hermes/pkg/metrics"
	"github.com/wehubfusion/Hermes/pkg/model"
	"github.com/wehubfusion/Hermes/pkg/scheduler"
	"github.com/wehubfusion/Hermes/pkg/store"
)

type repository interface {
	store.Repository
	store.Writer
}

// app holds the wired gateway and everything that needs closing
type app struct {
	gateway  *gateway.Gateway
	registry *prometheus.Registry
	logger   *zap.Logger
	closers  []func()
}

// Close releases resources in reverse order of creation
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// newApp wires store, expression engine, lookups, adapters, scheduler and
// gateway from cfg. fixture, when set, overrides cfg.Store.Fixture.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, fixture string) (_ *app, err error) {
	a := &app{registry: prometheus.NewRegistry(), logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = tracing.Shutdown(shutdownTracing, logger) })

	repo, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	if fixture == "" {
		fixture = cfg.Store.Fixture
	}
	if fixture != "" {
		if err := seedFixture(ctx, repo, fixture); err != nil {
			return nil, err
		}
		logger.Info("Seeded workflow fixture", zap.String("path", fixture))
	}

	engine, err := expression.NewEngine(cfg.Expression, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(engine.Close)

	sources := adapter.NewDataSources(cfg.SQL, logger)
	a.onClose(func() { _ = sources.Close() })

	services, err := a.lookupServices(cfg, sources)
	if err != nil {
		return nil, err
	}

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewPrometheus(a.registry)
	if err != nil {
		return nil, err
	}

	recorder, err := a.auditRecorder(ctx, cfg)
	if err != nil {
		return nil, err
	}

	builder := mapping.NewBuilder(engine, services, mapping.WithLogger(logger))
	client := adapter.NewHTTPClient(cfg.HTTPClient)
	opts := []adapter.Option{
		adapter.WithRecorder(recorder),
		adapter.WithMetrics(collector),
		adapter.WithLogger(logger),
	}
	adapters := adapter.NewRegistry()
	adapters.Register(model.KindHTTP, adapter.New(adapter.NewHTTPCaller(client, logger), repo, builder, opts...))
	adapters.Register(model.KindSOAP, adapter.New(adapter.NewSOAPCaller(client, logger), repo, builder, opts...))
	adapters.Register(model.KindSQL, adapter.New(adapter.NewSQLCaller(sources, logger), repo, builder, opts...))
	adapters.Register(model.KindMock, adapter.New(adapter.MockCaller{}, repo, builder, opts...))
	adapters.Register(model.KindNone, adapter.New(adapter.NoneCaller{}, repo, builder, opts...))

	sched := scheduler.New(repo, adapters, engine,
		scheduler.WithLimiter(concurrency.LoadConfig().NewLimiter()),
		scheduler.WithMetrics(collector),
		scheduler.WithLogger(logger),
		scheduler.WithMaxDepth(cfg.Scheduler.MaxDepth),
	)

	gwOpts := []gateway.Option{
		gateway.WithMetrics(collector),
		gateway.WithLogger(logger),
		gateway.WithWholeEnvelopeMethods(cfg.Gateway.WholeEnvelopeMethods...),
	}
	if cfg.Sentry.DSN != "" {
		hub, err := sentryHub(cfg.Sentry)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { hub.Flush(2 * time.Second) })
		gwOpts = append(gwOpts, gateway.WithSentry(hub))
	}
	a.gateway = gateway.New(repo, sched, gwOpts...)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (repository, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}
	s := store.NewGormStore(db)
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	logger.Info("Opened configuration store", zap.String("driver", cfg.Driver))
	return s, nil
}

func seedFixture(ctx context.Context, w store.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open fixture: %w", err)
	}
	defer f.Close()

	fixture, err := store.LoadFixture(f)
	if err != nil {
		return err
	}
	return store.Seed(ctx, w, fixture)
}

// lookupServices exposes the optional sql and kv lookups to expressions
func (a *app) lookupServices(cfg *config.Config, sources *adapter.DataSources) (expression.Services, error) {
	services := expression.Services{}
	if cfg.Lookup.URL != "" {
		db, err := sources.Get(cfg.Lookup.DataSource())
		if err != nil {
			return nil, fmt.Errorf("failed to open lookup datasource: %w", err)
		}
		services["sql"] = lookup.NewSQLLookup(db, sources.QueryTimeout(), a.logger)
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.onClose(func() { _ = client.Close() })
		services["kv"] = lookup.NewKVLookup(lookup.NewRedisKV(client), cfg.Redis.Prefix, cfg.Redis.Timeout, a.logger)
	}
	return services, nil
}

func (a *app) auditRecorder(ctx context.Context, cfg *config.Config) (audit.Recorder, error) {
	switch cfg.Audit.Recorder {
	case "none":
		return audit.Nop{}, nil
	case "", "log":
		return audit.NewLogRecorder(a.logger), nil
	}

	conn, err := nats.Connect(ctx, cfg.NATS, a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = nats.Close(conn) })

	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	var payloads audit.PayloadStore
	if cfg.Blob.ConnectionString != "" {
		azure, err := audit.NewAzurePayloadStore(audit.AzureConfig{
			ConnectionString: cfg.Blob.ConnectionString,
			Container:        cfg.Blob.Container,
			Prefix:           cfg.Blob.Prefix,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		payloads = azure
	}

	rec, err := audit.NewNATSRecorder(audit.WrapNATSJetStream(js), payloads, cfg.Audit.NATS, a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(rec.Close)
	return audit.Multi{rec, audit.NewLogRecorder(a.logger)}, nil
}

func sentryHub(cfg config.SentryConfig) (*sentry.Hub, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     "hermes@" + version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return sentry.NewHub(client, sentry.NewScope()), nil
}
