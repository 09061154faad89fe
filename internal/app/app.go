// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/trust-crawler/internal/api"
	"github.com/JakeFAU/trust-crawler/internal/clock"
	"github.com/JakeFAU/trust-crawler/internal/config"
	"github.com/JakeFAU/trust-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/trust-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/trust-crawler/internal/frontier"
	"github.com/JakeFAU/trust-crawler/internal/ingest"
	"github.com/JakeFAU/trust-crawler/internal/metrics"
	pubmemory "github.com/JakeFAU/trust-crawler/internal/publisher/memory"
	"github.com/JakeFAU/trust-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/trust-crawler/internal/query"
	"github.com/JakeFAU/trust-crawler/internal/scheduler"
	"github.com/JakeFAU/trust-crawler/internal/storage/memory"
	"github.com/JakeFAU/trust-crawler/internal/storage/postgres"
	"github.com/JakeFAU/trust-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/trust-crawler/internal/telemetry"
	"github.com/JakeFAU/trust-crawler/internal/trust"
)

const readHeaderTimeout = 5 * time.Second

// Publisher is a discovery publisher the App owns and must close.
type Publisher interface {
	crawler.Publisher
	io.Closer
}

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     crawler.GraphStore
	publisher Publisher
	scheduler *scheduler.Scheduler
	query     *query.Service
	server    *api.Server
	tracer    *sdktrace.TracerProvider
}

// New creates and initializes an App from cfg. It fails fast if the store or
// the publisher cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("initializing application services",
		zap.String("store", cfg.Store.Provider),
		zap.String("publisher", cfg.Publisher.Provider),
	)

	var tp *sdktrace.TracerProvider
	if cfg.Tracing.Enabled {
		var err error
		tp, err = telemetry.InitTracerProvider(ctx, telemetry.Options{
			Tracing:       cfg.Tracing,
			StoreProvider: cfg.Store.Provider,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
	}

	store, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	pub, err := NewPublisher(ctx, cfg.Publisher, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Fetcher.UserAgent,
		Timeout:     cfg.Fetcher.Timeout,
		MaxBodySize: cfg.Fetcher.MaxBodySize,
	})
	topic := ""
	var events crawler.Publisher
	if pub != nil {
		topic = cfg.Publisher.Topic
		events = pub
	}
	ingester := ingest.New(store, events, clock.NewSystem(), ingest.Config{Topic: topic}, logger.Named("ingest"))
	engine := &trust.Engine{
		Rounds:    cfg.Trust.Rounds,
		Damping:   cfg.Trust.Damping,
		Retention: cfg.Trust.Retention,
	}
	sched := scheduler.New(store, fetcher, engine, frontier.New(), ingester, scheduler.Config{
		Interval:           cfg.Scheduler.Interval,
		FetchTimeout:       cfg.Scheduler.FetchTimeout,
		PromotionThreshold: cfg.Scheduler.PromotionThreshold,
		MaxFetchesPerTick:  cfg.Scheduler.MaxFetchesPerTick,
	}, logger.Named("scheduler"))
	svc := query.New(store, fetcher, ingester, sched, query.Config{MaxResults: cfg.Search.MaxResults}, logger.Named("query"))

	registerStoreCollector(store, logger)

	a := &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		publisher: pub,
		scheduler: sched,
		query:     svc,
		server:    api.NewServer(svc, cfg.Server, logger.Named("api")),
		tracer:    tp,
	}
	logger.Info("application services initialized")
	return a, nil
}

// OpenStore builds the graph store named by cfg.Provider.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (crawler.GraphStore, error) {
	switch cfg.Provider {
	case config.StoreMemory:
		logger.Info("using in-memory graph store; the graph is lost on exit")
		return memory.NewGraphStore(), nil
	case config.StoreSQLite:
		opts := sqlite.DefaultOptions()
		opts.EnableWAL = cfg.SQLite.WAL
		store, err := sqlite.Open(ctx, cfg.SQLite.Path, opts)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("using sqlite graph store", zap.String("path", store.Path()))
		return store, nil
	case config.StorePostgres:
		store, err := postgres.NewGraphStore(ctx, postgres.GraphStoreConfig{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			Migrate:         cfg.Postgres.Migrate,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		logger.Info("using postgres graph store")
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store provider: %q", cfg.Provider)
	}
}

// NewPublisher builds the discovery publisher named by cfg.Provider. It
// returns nil for the none provider.
func NewPublisher(ctx context.Context, cfg config.PublisherConfig, logger *zap.Logger) (Publisher, error) {
	switch cfg.Provider {
	case config.PublisherNone, "":
		return nil, nil
	case config.PublisherMemory:
		logger.Info("using in-memory discovery publisher", zap.Int("limit", cfg.MemoryLimit))
		return pubmemory.New(cfg.MemoryLimit), nil
	case config.PublisherPubSub:
		pub, err := pubsub.Connect(ctx, pubsub.Config{ProjectID: cfg.ProjectID, TopicID: cfg.Topic})
		if err != nil {
			return nil, fmt.Errorf("connect pubsub publisher: %w", err)
		}
		logger.Info("using pubsub discovery publisher", zap.String("topic", cfg.Topic))
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown publisher provider: %q", cfg.Provider)
	}
}

func registerStoreCollector(store crawler.GraphStore, logger *zap.Logger) {
	err := metrics.RegisterStoreCollector(prometheus.DefaultRegisterer, store, logger.Named("metrics"))
	var already prometheus.AlreadyRegisteredError
	switch {
	case err == nil:
	case errors.As(err, &already):
		logger.Debug("store collector already registered")
	default:
		logger.Warn("register store collector failed", zap.Error(err))
	}
}

// Query returns the search/status/submit façade.
func (a *App) Query() *query.Service {
	return a.query
}

// Scheduler returns the background crawl loop.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Serve listens on the configured port and runs the HTTP API, plus the
// scheduler when enabled, until ctx is canceled or either fails.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if a.cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(gctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else {
		a.logger.Info("scheduler disabled")
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		a.scheduler.Stop()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Close shuts down all services in the App container.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	a.scheduler.Stop()
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("error closing publisher", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("error closing graph store", zap.Error(err))
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("error shutting down tracer provider", zap.Error(err))
		}
	}
}
