// Package app wires configuration, backends and the HTTP server into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"dms/internal/auth"
	"dms/internal/config"
	"dms/internal/database"
	"dms/internal/database/migration"
	handlers "dms/internal/http/handler"
	"dms/internal/http/middleware"
	"dms/internal/messaging"
	"dms/internal/outbox"
	"dms/internal/ratelimit"
	"dms/internal/repository"
	"dms/internal/repository/memory"
	"dms/internal/repository/postgres"
	"dms/internal/service"
	"dms/internal/storage"
)

// bodyOverhead covers multipart framing and base64 inflation above the content limit.
const bodyOverhead = 1 << 20

// App is a fully wired service instance.
type App struct {
	cfg      *config.AppConfig
	logger   *slog.Logger
	http     *fiber.App
	relay    *outbox.Relay
	registry *prometheus.Registry
	closers  []func() error
}

// Option customises New.
type Option func(*options)

type options struct {
	verifier auth.TokenVerifier
	registry *prometheus.Registry
}

// WithVerifier replaces the OIDC verifier built from config.
func WithVerifier(v auth.TokenVerifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithRegistry collects metrics into reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

type backend struct {
	docs      repository.DocumentRepository
	outbox    repository.OutboxRepository
	objects   storage.Storage
	publisher messaging.Publisher
	checks    map[string]handlers.Pinger
}

// New connects every backend selected by cfg and builds the HTTP app. On error,
// whatever was already opened is closed.
func New(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	a := &App{cfg: cfg, logger: logger, registry: o.registry}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	b, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}

	verifier := o.verifier
	if verifier == nil {
		if verifier, err = auth.NewVerifier(ctx, cfg.Auth); err != nil {
			return nil, fmt.Errorf("init token verifier: %w", err)
		}
	}

	limiter, err := ratelimit.New(ctx, cfg.RateLimit, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("init rate limiter: %w", err)
	}
	a.closers = append(a.closers, limiter.Close)
	if rl, ok := limiter.(*ratelimit.Redis); ok {
		b.checks["redis"] = rl
	}

	policy := cfg.Retry.Policy()
	a.relay = outbox.NewRelay(b.outbox, b.publisher,
		outbox.WithLogger(logger),
		outbox.WithRetryPolicy(policy),
		outbox.WithPollInterval(time.Duration(cfg.Outbox.PollIntervalMs)*time.Millisecond),
		outbox.WithGracePeriod(time.Duration(cfg.Outbox.GracePeriodMs)*time.Millisecond),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithRegisterer(o.registry),
	)

	docs := service.NewDocumentService(b.objects, b.docs, a.relay,
		service.WithLogger(logger),
		service.WithRetryPolicy(policy),
		service.WithMaxBytes(cfg.Upload.MaxBytes),
		service.WithAdminScope(cfg.Auth.AdminScope),
	)

	prom, err := middleware.NewPrometheusMiddleware(o.registry)
	if err != nil {
		return nil, fmt.Errorf("register http metrics: %w", err)
	}

	a.http = fiber.New(fiber.Config{
		AppName:               "dms",
		ErrorHandler:          handlers.ErrorHandler(logger),
		BodyLimit:             int(cfg.Upload.MaxBytes)*4/3 + bodyOverhead,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          60 * time.Second,
		DisableStartupMessage: true,
	})
	a.http.Use(otelfiber.Middleware())
	a.http.Use(middleware.RequestID())
	a.http.Use(middleware.Logger(logger))
	a.http.Use(prom.Handler())

	handlers.RegisterRoutes(a.http, handlers.Deps{
		Documents:  docs,
		Verifier:   verifier,
		Limiter:    limiter,
		RateWindow: time.Duration(cfg.RateLimit.WindowSec) * time.Second,
		Checks:     b.checks,
		Gatherer:   o.registry,
		ReadScope:  cfg.Auth.ReadScope,
		WriteScope: cfg.Auth.WriteScope,
		Logger:     logger,
	})

	return a, nil
}

func (a *App) openBackend(ctx context.Context) (*backend, error) {
	switch a.cfg.Backend {
	case config.BackendMemory:
		a.logger.WarnContext(ctx, "memory_backend_selected", "detail", "documents and events are not persisted")
		store := memory.NewStore()
		objects := storage.NewMemory()
		return &backend{
			docs:      store,
			outbox:    store,
			objects:   objects,
			publisher: messaging.NewRecorder(),
			checks:    map[string]handlers.Pinger{"storage": objects},
		}, nil

	case config.BackendPostgres:
		db, err := database.NewPostgres(ctx, a.cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, db.Close)

		if a.cfg.Database.AutoMigrate {
			dsn, err := database.BuildPostgresDSN(a.cfg.Database)
			if err != nil {
				return nil, err
			}
			if err := migration.EnsureMigrated(ctx, dsn, a.logger); err != nil {
				return nil, err
			}
		}

		objects, err := storage.NewMinIO(ctx, a.cfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("init object storage: %w", err)
		}

		pub, err := messaging.NewNATS(ctx, a.cfg.NATS, a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect to broker: %w", err)
		}
		a.closers = append(a.closers, pub.Close)

		return &backend{
			docs:      postgres.NewDocumentPostgres(db),
			outbox:    postgres.NewOutboxPostgres(db),
			objects:   objects,
			publisher: pub,
			checks: map[string]handlers.Pinger{
				"database": handlers.PingFunc(db.PingContext),
				"storage":  objects,
				"broker":   pub,
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", a.cfg.Backend)
	}
}

// Handler exposes the Fiber app, mainly for in-process tests.
func (a *App) Handler() *fiber.App {
	return a.http
}

// Run serves HTTP and relays outbox events until ctx is cancelled, then shuts
// the server down within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	addr := ":" + a.cfg.Port
	timeout := time.Duration(a.cfg.ShutdownTimeoutSec) * time.Second

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.relay.Run(gctx)
	})
	g.Go(func() error {
		a.logger.InfoContext(gctx, "http_server_start", "addr", addr, "backend", a.cfg.Backend)
		if err := a.http.Listen(addr); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("http_server_shutdown", "timeout_sec", a.cfg.ShutdownTimeoutSec)
		return a.http.ShutdownWithTimeout(timeout)
	})
	return g.Wait()
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
