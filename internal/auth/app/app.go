package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/audit"
	httpapi "github.com/aussiebroadwan/gatekeeper/internal/auth/http"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/service"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store/drivers/postgres"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/gatekeeper/internal/obs"
	"github.com/aussiebroadwan/gatekeeper/pkg/cryptox"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
	"github.com/aussiebroadwan/gatekeeper/pkg/redisx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// BuildVersion is overridden at build time with -ldflags "-X".
var BuildVersion = "v0.1.0"

// Application owns every long-lived dependency of the service.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db       store.Store
	redis    redis.UniversalClient
	keys     *jwtx.KeyRing
	registry *prometheus.Registry
	metrics  *obs.Metrics
	audit    *audit.Dispatcher

	// Services
	subjects      *service.SubjectService
	issuer        *service.TokenIssuer
	rotator       *service.RefreshRotator
	ledger        *service.RevocationLedger
	limiter       *service.WindowLimiter
	guard         *service.AttemptGuard
	authenticator *service.Authenticator
	verifier      *service.AccessVerifier
	keyRotation   *service.KeyRotationService
	housekeeping  *service.HousekeepingService

	// HTTP server
	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "gatekeeper",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}
	ctx := slogx.WithContext(context.Background(), app.logger)

	app.initMetrics()

	// Database first: persistent keys and bootstrap depend on it.
	if err := app.initDatabase(ctx); err != nil {
		return nil, err
	}

	keys, err := InitKeyRing(ctx, app.cfg, app.db, app.logger)
	if err != nil {
		app.close()
		return nil, err
	}
	app.keys = keys

	if err := app.initRedis(ctx); err != nil {
		app.close()
		return nil, err
	}

	if err := app.initServices(); err != nil {
		app.close()
		return nil, err
	}

	if err := app.bootstrap(ctx); err != nil {
		app.close()
		return nil, err
	}

	app.initHTTP()
	return app, nil
}

// Authenticator runs password logins.
func (app *Application) Authenticator() *service.Authenticator { return app.authenticator }

// Rotator refreshes, logs out and revokes sessions.
func (app *Application) Rotator() *service.RefreshRotator { return app.rotator }

// Verifier checks access tokens, including the denylist.
func (app *Application) Verifier() *service.AccessVerifier { return app.verifier }

// Subjects manages accounts.
func (app *Application) Subjects() *service.SubjectService { return app.subjects }

// Handler is the operational HTTP surface.
func (app *Application) Handler() http.Handler { return app.router }

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.housekeeping.Start()

	app.logger.Info("gatekeeper starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.close()
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down gatekeeper...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeeping.Stop()

	if err := app.close(); err != nil {
		return err
	}

	app.logger.Info("gatekeeper stopped")
	return nil
}

// close releases the audit pipeline, Redis and the database, in that order,
// so pending audit events are flushed first.
func (app *Application) close() error {
	if app.audit != nil {
		app.audit.Close()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis client", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database", "error", err)
			return err
		}
	}
	return nil
}

func (app *Application) initMetrics() {
	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = obs.NewMetrics(app.registry)
	app.metrics.SetBuildInfo(BuildVersion)
}

// initDatabase opens the configured driver and applies migrations.
func (app *Application) initDatabase(ctx context.Context) error {
	var (
		db  store.Store
		err error
	)
	switch app.cfg.Database.Driver {
	case "postgres":
		db, err = postgres.NewStore(ctx, app.cfg.Database.DSN)
	default:
		db, err = sqlite.NewStore(app.cfg.Database.File)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(ctx); err != nil {
		_ = db.Close()
		app.db = nil
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully", "driver", app.cfg.Database.Driver)
	return nil
}

// initRedis builds the fast-store client. An unreachable Redis is logged
// and tolerated: the guard, limiter and denylist fail open until it returns.
func (app *Application) initRedis(ctx context.Context) error {
	rc, err := redisx.NewClient(redisx.Config{
		Addrs:      app.cfg.Redis.Addrs,
		MasterName: app.cfg.Redis.MasterName,
		Username:   app.cfg.Redis.Username,
		Password:   app.cfg.Redis.Password,
		DB:         app.cfg.Redis.DB,
		PoolSize:   app.cfg.Redis.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	app.redis = rc

	if err := redisx.Ping(ctx, rc, 2*time.Second); err != nil {
		app.logger.Warn("redis unreachable at startup; abuse defences fail open until it recovers", "error", err)
	}
	return nil
}

// initServices wires the credential engine.
func (app *Application) initServices() error {
	pepper, err := cryptox.LoadOrCreatePepper(app.cfg.PepperFile)
	if err != nil {
		return fmt.Errorf("failed to load password pepper: %w", err)
	}
	hasher := cryptox.NewArgon2Hasher(pepper)

	app.audit = audit.NewDispatcher(audit.DispatcherConfig{
		BufferSize: app.cfg.Audit.BufferSize,
		DropIfFull: app.cfg.Audit.DropIfFull,
	}, audit.NewSlogSink(app.logger))
	app.metrics.WatchAuditDrops(app.registry, app.audit.Dropped)

	ks := redisx.NewKeyspace(app.cfg.Redis.KeyPrefix)
	opTimeout := app.cfg.Redis.OpTimeout

	app.subjects = &service.SubjectService{Store: app.db, Hasher: hasher}
	app.issuer = &service.TokenIssuer{
		Store:       app.db,
		Signer:      app.keys,
		Audit:       app.audit,
		Metrics:     app.metrics,
		Issuer:      app.cfg.Issuer,
		Audience:    app.cfg.Audience,
		AccessTTL:   app.cfg.Tokens.AccessTTL,
		RefreshTTL:  app.cfg.Tokens.RefreshTTL,
		MaxSessions: app.cfg.Tokens.MaxSessions,
	}
	app.ledger = &service.RevocationLedger{
		Redis:     app.redis,
		Keys:      ks,
		OpTimeout: opTimeout,
		Metrics:   app.metrics,
	}
	app.limiter = &service.WindowLimiter{
		Redis:     app.redis,
		Keys:      ks,
		OpTimeout: opTimeout,
		Metrics:   app.metrics,
	}
	app.guard = &service.AttemptGuard{
		Redis:   app.redis,
		Keys:    ks,
		Store:   app.db,
		Audit:   app.audit,
		Metrics: app.metrics,
		Config: service.AttemptGuardConfig{
			MaxPrincipalFailures: app.cfg.Guard.MaxPrincipalFailures,
			MaxOriginFailures:    app.cfg.Guard.MaxOriginFailures,
			AttemptWindow:        app.cfg.Guard.AttemptWindow,
			LockDuration:         app.cfg.Guard.LockDuration,
		},
		OpTimeout: opTimeout,
	}
	app.rotator = &service.RefreshRotator{
		Store:         app.db,
		Issuer:        app.issuer,
		Ledger:        app.ledger,
		Limiter:       app.limiter,
		Audit:         app.audit,
		Metrics:       app.metrics,
		RefreshLimit:  app.cfg.Guard.RefreshLimit,
		RefreshWindow: app.cfg.Guard.RefreshWindow,
	}
	app.authenticator = &service.Authenticator{
		Store:       app.db,
		Hasher:      hasher,
		Guard:       app.guard,
		Limiter:     app.limiter,
		Issuer:      app.issuer,
		Audit:       app.audit,
		Metrics:     app.metrics,
		LoginLimit:  app.cfg.Guard.LoginLimit,
		LoginWindow: app.cfg.Guard.LoginWindow,
	}
	app.verifier = &service.AccessVerifier{
		Verifier: jwtx.NewVerifier(app.keys, jwtx.VerifyOptions{
			Issuer:   app.cfg.Issuer,
			Audience: app.cfg.Audience,
			Leeway:   5 * time.Second,
		}),
		Ledger: app.ledger,
	}
	app.keyRotation = &service.KeyRotationService{
		Keys:        app.keys,
		Audit:       app.audit,
		Metrics:     app.metrics,
		RotateAfter: app.cfg.Keys.RotateAfter,
	}

	app.housekeeping = service.NewHousekeepingService(
		app.db,
		app.keys,
		app.logger,
		app.cfg.HousekeepingInterval,
	)
	app.housekeeping.Rotation = app.keyRotation
	app.housekeeping.Metrics = app.metrics
	app.housekeeping.HandleGrace = app.cfg.HandleGrace
	return nil
}

// bootstrap seeds the first administrator when configured.
func (app *Application) bootstrap(ctx context.Context) error {
	if app.cfg.Bootstrap.AdminUsername == "" {
		return nil
	}

	svc := &service.BootstrapService{Subjects: app.subjects}
	res, err := svc.EnsureAdmin(ctx, app.cfg.Bootstrap.AdminUsername, app.cfg.Bootstrap.AdminPassword)
	if err != nil {
		return fmt.Errorf("failed to bootstrap admin: %w", err)
	}
	if res != nil && res.Password != "" {
		// Shown once; it is not stored anywhere in plaintext.
		app.logger.Warn("generated bootstrap admin password",
			"username", res.Subject.Username,
			"password", res.Password,
		)
	}
	return nil
}

// initHTTP initializes the HTTP router and server.
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		app.keys,
		app.verifier,
		BuildVersion,
		app.db,
		app.redis,
		app.metrics,
		app.registry,
		app.logger,
	)
	router.KeyRotationService = app.keyRotation
	router.RefreshRotator = app.rotator
	router.Authenticator = app.authenticator
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
