package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"sessiongate/internal/config"
	"sessiongate/internal/geo"
	"sessiongate/internal/http/handler"
	"sessiongate/internal/http/middleware"
	"sessiongate/internal/http/router"
	"sessiongate/internal/observability"
	"sessiongate/internal/repository"
	"sessiongate/internal/security"
	"sessiongate/internal/service"
)

// App owns the assembled server: store, services, monitor and the HTTP
// stack, plus everything that needs a shutdown call.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime
	Monitor       *service.Monitor
	Sessions      *service.SessionService
	Store         repository.SessionStore

	closers []func(context.Context) error
}

// Build wires the whole dependency graph by hand. The graph is small enough
// that explicit construction reads better than a DI framework.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, lp *sdklog.LoggerProvider) (*App, error) {
	runtime, err := observability.InitRuntime(ctx, cfg, logger, lp)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, Observability: runtime}

	store, users, err := a.openStores(ctx, cfg)
	if err != nil {
		_ = runtime.Shutdown(ctx)
		return nil, err
	}
	a.Store = store

	jwtMgr := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessSecret, cfg.RefreshSecret)
	a.Sessions = service.NewSessionService(store, geo.NewStaticResolver(), logger,
		cfg.MaxConcurrentSessions, cfg.RefreshTokenTTL, cfg.InvalidatedRetention, cfg.SuspiciousRetention)
	tokens := service.NewTokenService(jwtMgr, store, cfg.AccessTokenTTL, cfg.RefreshTokenTTL,
		cfg.RefreshLookupAttempts, cfg.RefreshLookupRetryDelay)
	auth := service.NewAuthService(users, a.Sessions, tokens, cfg.BcryptCost)
	a.Monitor = service.NewMonitor(a.Sessions, logger, cfg.CleanupInterval, cfg.ScanInterval, cfg.AlertBufferSize)

	cookies := security.CookieWriter{Domain: cfg.CookieDomain, Secure: cfg.CookieSecure}
	gate := middleware.NewSessionGate(tokens, a.Sessions, cfg.SessionIdleTimeout, cfg.RefreshAdvisoryWindow)

	dep := router.Dependencies{
		AuthHandler:      handler.NewAuthHandler(auth, cookies, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, logger),
		SessionHandler:   handler.NewSessionHandler(a.Sessions, logger),
		MonitorHandler:   handler.NewMonitorHandler(a.Monitor, logger),
		Gate:             gate,
		Logger:           logger,
		CORSOrigins:      cfg.CORSOrigins,
		APIRateLimitRPM:  cfg.APIRateLimitRPM,
		AuthRateLimitRPM: cfg.AuthRateLimitRPM,
		ReadyCheck:       store.Ping,
		EnableOTelHTTP:   cfg.OTELTracesEnabled,
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		limiter := middleware.NewRedisLimiter(client)
		dep.GlobalRateLimiter = middleware.NewDistributedRateLimiter(limiter, cfg.APIRateLimitRPM, time.Minute, middleware.FailOpen, "api").Middleware()
		dep.AuthRateLimiter = middleware.NewDistributedRateLimiter(limiter, cfg.AuthRateLimitRPM, time.Minute, middleware.FailClosed, "auth").Middleware()
	}

	a.Server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router.NewRouter(dep),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

func (a *App) openStores(ctx context.Context, cfg *config.Config) (repository.SessionStore, repository.UserRepository, error) {
	// user records always live in the relational store; only sessions can
	// be moved to mongo
	gormDSN := cfg.SQLitePath
	gormDriver := "sqlite"
	if cfg.StoreDriver == "postgres" {
		gormDriver, gormDSN = "postgres", cfg.PostgresDSN
	}
	db, err := repository.OpenGorm(gormDriver, gormDSN)
	if err != nil {
		return nil, nil, err
	}
	users := repository.NewUserRepository(db)

	if cfg.StoreDriver != "mongo" {
		return repository.NewGormSessionStore(db), users, nil
	}

	client, err := repository.OpenMongo(ctx, cfg.MongoURI)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, client.Disconnect)
	sessions := repository.NewMongoSessionStore(client, cfg.MongoDatabase)
	if err := sessions.EnsureIndexes(ctx); err != nil {
		return nil, nil, fmt.Errorf("ensure mongo indexes: %w", err)
	}
	return sessions, users, nil
}

// Run serves HTTP and the background monitor until the context is cancelled
// or a termination signal arrives, then drains everything.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Monitor.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("http server listening", "addr", a.Server.Addr, "store", a.Config.StoreDriver)
		if err := a.Server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownHTTPDrainTimeout)
		defer cancel()
		return a.Server.Shutdown(drainCtx)
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, a.Shutdown(shutdownCtx))
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Monitor.Stop()
	var errs []error
	for _, closeFn := range a.closers {
		errs = append(errs, closeFn(ctx))
	}
	errs = append(errs, a.Observability.Shutdown(ctx))
	return errors.Join(errs...)
}
