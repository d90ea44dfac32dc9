package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"keygate/internal/config"
	"keygate/internal/infrastructure"
	customMiddleware "keygate/internal/middleware"
	"keygate/internal/registry"
	"keygate/internal/replay"
	"keygate/internal/signing"
	handlers "keygate/internal/transport/http"
	"keygate/internal/updates"
	"keygate/internal/verify"
)

// Application is the assembled service: configuration, stores, protocol
// services and the HTTP server.
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Registry      *registry.Registry
	VerifyService *verify.Service
	UpdateGate    *updates.Gate
	Guard         *replay.Guard
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	db *sql.DB // nil in in-memory mode
}

// NewApplication loads configuration and wires all dependencies.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("service", infrastructure.ServiceName),
		slog.String("version", infrastructure.ServiceVersion))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices opens the stores and builds the protocol services. A
// configured database URL selects Postgres for licenses, nonces and
// releases; otherwise everything is in-memory and apps come from config
// fixtures.
func (a *Application) initializeServices() error {
	var (
		licenseStore registry.Store
		secrets      signing.SecretSource
		nonceStore   replay.NonceStore
		releaseStore updates.ReleaseStore
	)

	if url := a.Config.Database.URL; url != "" {
		db, err := sql.Open("pgx", url)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.Config.Database.QueryTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to reach database: %w", err)
		}

		pg := registry.NewPostgresStore(db, a.Config.Database.QueryTimeout)
		licenseStore = pg
		secrets = pg
		nonceStore = replay.NewPostgresNonceStore(db, a.Config.Database.QueryTimeout)
		releaseStore = updates.NewPostgresReleaseStore(db, a.Config.Database.QueryTimeout)
		a.db = db

		a.Logger.Info("using postgres stores")
	} else {
		mem := registry.NewMemoryStore()
		for _, appCfg := range a.Config.Apps {
			mem.RegisterApp(appCfg.ID, appCfg.Secret)
		}
		licenseStore = mem
		secrets = mem
		nonceStore = replay.NewMemoryNonceStore(a.Config.Protocol.FreshnessWindow)
		releaseStore = updates.NewMemoryReleaseStore()

		a.Logger.Info("using in-memory stores",
			slog.Int("seeded_apps", len(a.Config.Apps)))
	}

	a.Registry = registry.New(licenseStore, a.Logger)
	codec := signing.NewCodec(secrets)
	a.Guard = replay.NewGuard(nonceStore, a.Config.Protocol.FreshnessWindow)

	var metrics *infrastructure.ProtocolMetrics
	if a.OTelProviders.Meter != nil {
		var err error
		metrics, err = infrastructure.NewProtocolMetrics(a.OTelProviders.Meter)
		if err != nil {
			return fmt.Errorf("failed to create protocol metrics: %w", err)
		}
	}

	verifyOpts := []verify.Option{verify.WithMetrics(metrics)}
	if a.OTelProviders.Tracer != nil {
		verifyOpts = append(verifyOpts, verify.WithTracer(a.OTelProviders.Tracer))
	}
	a.VerifyService = verify.NewService(a.Registry, codec, a.Guard, a.Logger, verifyOpts...)
	a.UpdateGate = updates.NewGate(a.Registry, releaseStore, a.Config.Updates.PackagesDir, a.Logger).
		WithMetrics(metrics)

	return nil
}

// setupRouter configures the middleware chain and mounts all routes.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.Use(customMiddleware.NewOTelMiddleware(a.OTelProviders).Handler)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))
	r.Use(customMiddleware.SecurityHeaders)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Group(func(r chi.Router) {
			if a.Config.Security.RateLimit.Enabled {
				r.Use(customMiddleware.NewRateLimiter(
					a.Config.Security.RateLimit.RPS,
					a.Config.Security.RateLimit.Burst,
					a.Logger,
				).Handler)
			}
			r.Mount("/verify", handlers.NewVerifyHandler(a.VerifyService, a.Logger).Routes())
			r.Mount("/apps/{appID}", handlers.NewUpdateHandler(a.UpdateGate, a.Logger).Routes())
		})

		r.Route("/admin/licenses", func(r chi.Router) {
			auth := customMiddleware.NewAdminAuth(a.Config.Security.AdminTokenHashes, a.Logger)
			r.Use(auth.Handler)
			r.Mount("/", handlers.NewAdminHandler(a.Registry, a.Logger).Routes())
		})
	})

	healthHandler := handlers.NewHealthHandler(a.Registry, a.Logger)
	r.Get("/healthz", healthHandler.Liveness)
	r.Get("/readyz", healthHandler.Readiness)

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// createServer creates the HTTP server.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Run starts the server and the nonce sweeper and blocks until a signal
// arrives or a component fails.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "http server listening",
			slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.Guard.Sweep(gctx, a.Config.Protocol.NonceSweepInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.Stop(context.Background())
	})

	err := g.Wait()
	a.Logger.Info("application stopped")
	return err
}

// Stop drains the server and closes resources within the configured
// shutdown timeout.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "error closing database",
				slog.String("error", err.Error()))
		}
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "error shutting down telemetry",
				slog.String("error", err.Error()))
		}
	}

	infrastructure.CloseLogFile()
	return nil
}
