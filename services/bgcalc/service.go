// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bgcalc wires the background computation service together.
//
// # Description
//
// New builds every collaborator from a Config: the result cache, the
// session store, the corpus identity provider, the worker backend and the
// runner on top of them, the HTTP surface and the optional sweep schedule
// and corpus watcher. Nothing is global except the default Prometheus
// registry, which tests replace with WithRegistry.
//
// # Usage
//
//	cfg, err := bgcalc.LoadConfig("config.yaml")
//	svc, err := bgcalc.New(cfg)
//	err = svc.Run(ctx)
package bgcalc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/catalog"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/corpus"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/handlers"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/observability"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/resultcache"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/routes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/runner"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/session"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/status"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/sweeper"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/worker"
)

const shutdownTimeout = 10 * time.Second

// =============================================================================
// Interfaces
// =============================================================================

// Service is a configured, not yet running bgcalc server.
type Service interface {
	// Run serves HTTP and the background loops until ctx is cancelled, then
	// shuts down gracefully and releases all resources.
	Run(ctx context.Context) error

	// Router returns the Gin engine, mainly for tests.
	Router() *gin.Engine

	// Close releases resources without running. Run calls it on exit.
	Close() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	registry *prometheus.Registry
	engine   worker.Engine
	catalog  *catalog.Catalog
}

// WithRegistry registers metrics with reg instead of the default registry
// and serves reg on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithEngine replaces the external command engine.
func WithEngine(e worker.Engine) Option {
	return func(o *options) {
		o.engine = e
	}
}

// WithCatalog replaces the default kind table.
func WithCatalog(c *catalog.Catalog) Option {
	return func(o *options) {
		o.catalog = c
	}
}

// =============================================================================
// Service
// =============================================================================

type service struct {
	config   Config
	router   *gin.Engine
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer

	cache     *resultcache.Cache
	sessions  session.Store
	client    worker.Client
	runner    *runner.Runner
	watcher   *corpus.Watcher
	scheduler *sweeper.Scheduler
	audit     *sweeper.AuditLog

	tracerCleanup func(context.Context)
	closeOnce     sync.Once
	closeErr      error
}

// New builds the service.
//
// # Inputs
//
//   - cfg: Configuration. Defaults are applied before validation.
//   - opts: Optional overrides.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Invalid configuration or a collaborator that failed to open.
//     Everything opened so far is closed again.
func New(cfg Config, opts ...Option) (Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.catalog == nil {
		o.catalog = catalog.Default()
	}

	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &service{config: cfg}

	if cfg.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if o.registry != nil {
		s.metrics = observability.NewMetrics(o.registry)
		s.gatherer = o.registry
	} else {
		s.metrics = observability.InitMetrics()
	}

	if err := s.initComponents(o); err != nil {
		s.Close()
		return nil, err
	}
	s.initRouter()
	return s, nil
}

func (s *service) initComponents(o options) error {
	var err error
	s.cache, err = resultcache.New(s.config.Cache, resultcache.WithMetrics(s.metrics))
	if err != nil {
		return fmt.Errorf("failed to open result cache: %w", err)
	}

	s.sessions, err = openSessions(s.config.Sessions)
	if err != nil {
		return err
	}

	identity, err := s.initCorpora()
	if err != nil {
		return err
	}

	exec := NewExecutor(s.config.Worker, o.catalog, s.cache, s.metrics, o.engine)
	s.client, err = s.openClient(exec, o.catalog)
	if err != nil {
		return err
	}

	deps := runner.Deps{
		Cache:         s.cache,
		Worker:        s.client,
		Identity:      identity,
		Catalog:       o.catalog,
		Metrics:       s.metrics,
		TaskTimeLimit: s.config.Worker.TaskTimeLimit,
	}
	if s.config.Worker.InlineSmall {
		deps.Inline = exec
	}
	s.runner, err = runner.New(deps)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	if s.config.Sweeper.Enabled {
		var auditor sweeper.Auditor
		if s.config.Sweeper.AuditLog != "" {
			s.audit, err = sweeper.OpenAuditLog(s.config.Sweeper.AuditLog)
			if err != nil {
				return err
			}
			auditor = s.audit
		}
		s.scheduler = sweeper.NewScheduler(s.cache, auditor, sweeper.Config{
			Interval: s.config.Sweeper.Interval,
			TTL:      s.config.Sweeper.TTL,
		})
	}
	return nil
}

func openSessions(cfg SessionsConfig) (session.Store, error) {
	if cfg.Backend != SessionsBadger {
		slog.Info("Using in-memory session store")
		return session.NewMemoryStore(), nil
	}
	bcfg := cfg.Badger
	if bcfg.Logger == nil {
		bcfg.Logger = slog.Default()
	}
	store, err := session.OpenBadger(bcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	slog.Info("Using badger session store", "path", bcfg.Path, "in_memory", bcfg.InMemory)
	return store, nil
}

func (s *service) initCorpora() (corpus.IdentityProvider, error) {
	cfg := s.config.Corpora
	if cfg.Root == "" {
		if len(cfg.Static) == 0 {
			slog.Warn("No corpora configured, every computation will be rejected")
		}
		return corpus.StaticProvider(cfg.Static), nil
	}
	provider := corpus.NewDirProvider(cfg.Root)
	if cfg.Watch {
		s.watcher = corpus.NewWatcher(provider, corpus.WithOnReindex(func(id string) {
			slog.Info("Corpus data changed, new requests get fresh cache keys", "corpus", id)
		}))
	}
	return provider, nil
}

func (s *service) openClient(exec *worker.Executor, cat *catalog.Catalog) (worker.Client, error) {
	var client worker.Client
	switch s.config.Worker.Backend {
	case BackendPGQueue:
		q, err := OpenQueue(context.Background(), s.config.Worker, cat, s.metrics)
		if err != nil {
			return nil, err
		}
		client = q
		slog.Info("Using Postgres task queue backend")
	default:
		client = worker.NewPool(exec, worker.PoolConfig{
			Workers:   s.config.Worker.PoolWorkers,
			Retention: s.config.Worker.Retention,
		}, s.metrics)
		slog.Info("Using in-process worker pool backend")
	}
	if s.config.Worker.SubmitRate > 0 {
		limiter := rate.NewLimiter(rate.Limit(s.config.Worker.SubmitRate), s.config.Worker.SubmitBurst)
		client = worker.RateLimited(client, limiter, s.config.Worker.SubmitMaxWait)
	}
	return client, nil
}

// NewExecutor builds the executing side: every task name of cat is bound to
// engine, or to an external command engine built from cfg when engine is
// nil.
func NewExecutor(cfg WorkerConfig, cat *catalog.Catalog, sink worker.ResultSink, m *observability.Metrics, engine worker.Engine) *worker.Executor {
	if engine == nil {
		engine = &worker.ExecEngine{Commands: cfg.Commands, Env: cfg.Env}
	}
	reg := worker.NewRegistry()
	worker.RegisterEngine(reg, engine, cat.TaskNames()...)
	return worker.NewExecutor(reg, sink, worker.WithExecutorMetrics(m))
}

// OpenQueue connects to the Postgres task queue of cfg.
func OpenQueue(ctx context.Context, cfg WorkerConfig, cat *catalog.Catalog, m *observability.Metrics) (*worker.PGQueue, error) {
	if cfg.DSN == "" {
		return nil, errors.New("worker.dsn is required for the pgqueue backend")
	}
	q, err := worker.OpenPGQueue(ctx, cfg.DSN,
		worker.WithTaskNames(cat.TaskNames()...),
		worker.WithQueueMetrics(m),
	)
	if err != nil {
		return nil, &datatypes.BackendError{Op: "connect", Err: err}
	}
	return q, nil
}

// initTracer sets up OTLP trace export over gRPC.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(s.config.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}, nil
}

func (s *service) initRouter() {
	gin.SetMode(s.config.GinMode)
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(s.config.ServiceName))

	h := handlers.New(handlers.Deps{
		Runner:   s.runner,
		Sessions: s.sessions,
		Cache:    s.cache,
		Channel:  status.New(s.config.Status),
		Metrics:  s.metrics,
	})
	routes.SetupRoutes(s.router, h, s.config.Sessions.Cookie, s.gatherer)
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start corpus watcher: %w", err)
		}
	}
	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting bgcalc server", "port", s.config.Port, "backend", s.config.Worker.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down bgcalc server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// Close implements Service.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.scheduler != nil {
			if err := s.scheduler.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.audit != nil {
			if err := s.audit.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close sweep audit log: %w", err))
			}
		}
		if s.watcher != nil {
			s.watcher.Stop()
		}
		if s.client != nil {
			if err := s.client.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close worker backend: %w", err))
			}
		}
		if s.sessions != nil {
			if err := s.sessions.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close session store: %w", err))
			}
		}
		if s.tracerCleanup != nil {
			s.tracerCleanup(context.Background())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
