package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"

	"ledger-auth-gateway/common"
	"ledger-auth-gateway/config"
	"ledger-auth-gateway/db"
	"ledger-auth-gateway/handler"
	"ledger-auth-gateway/logger"
	"ledger-auth-gateway/model"
	"ledger-auth-gateway/repository"
	"ledger-auth-gateway/router"
	"ledger-auth-gateway/service"

	"github.com/sirupsen/logrus"
)

// App is one fully wired instance of the gateway.
type App struct {
	Config  *config.Config
	Handler http.Handler
	closers []func(context.Context) error
}

// restartSignal is handed to the admin handler; a send asks Run to rebuild
// the App from freshly loaded configuration.
type restartSignal chan struct{}

func (s restartSignal) Restart() {
	select {
	case s <- struct{}{}:
	default:
	}
}

// New wires the datastore, services and handlers described by cfg.
func New(ctx context.Context, cfg *config.Config, restarter handler.Restarter) (*App, error) {
	a := &App{Config: cfg}
	if err := a.build(ctx, restarter); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, restarter handler.Restarter) error {
	cfg := a.Config

	shutdownTracing, err := setupTracing(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	httpClient := &http.Client{Timeout: cfg.Datastore.Timeout}

	var (
		repo repository.IRecordRepository
		auth service.ICredentialAuthenticator
	)
	switch cfg.Datastore.Backend {
	case "couchdb":
		couch, err := repository.NewCouchRecordRepository(cfg.Datastore.URL, cfg.Datastore.UsersDB,
			cfg.Datastore.AdminUser, cfg.Datastore.AdminPassword, httpClient)
		if err != nil {
			return err
		}
		repo = couch
		auth = service.NewCouchAuthenticator(cfg.Datastore.URL, httpClient)
	case "postgres":
		database, err := db.Connect(cfg.Database)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return database.Close() })
		if err := db.Migrate(database, cfg.Database.MigrationsPath); err != nil {
			return err
		}
		pg := repository.NewPostgresRecordRepository(database)
		if err := seedPostgres(ctx, pg, cfg.Datastore.Users); err != nil {
			return err
		}
		repo = pg
		auth = service.NewPasswordAuthenticator(pg)
	case "memory":
		mem := repository.NewMemoryRecordRepository(seedRecords(cfg.Datastore.Users)...)
		repo = mem
		auth = service.NewPasswordAuthenticator(mem)
	default:
		return fmt.Errorf("unknown datastore backend %q", cfg.Datastore.Backend)
	}

	if cfg.Redis.Enabled {
		rdb, err := db.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		repo = repository.NewIndexedRecordRepository(repo, rdb, cfg.Auth.RefreshTTL)
	}

	tokens, err := service.NewTokenService(cfg.Auth.AccessSecret, cfg.Auth.RefreshSecret)
	if err != nil {
		return err
	}
	records := service.NewRecordService(repo, service.RetryConfig{
		InitialInterval: cfg.Retry.InitialInterval,
		MaxElapsedTime:  cfg.Retry.MaxElapsedTime,
		MaxAttempts:     cfg.Retry.MaxAttempts,
	})
	rotation := service.NewRotationService(tokens, records, service.RotationConfig{
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	})

	sameSite, err := handler.ParseSameSite(cfg.Auth.CookieSameSite)
	if err != nil {
		return err
	}
	cookies := handler.CookiePolicy{
		Secure:     cfg.IsProduction(),
		SameSite:   sameSite,
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	}

	target, err := url.Parse(cfg.Datastore.URL)
	if err != nil {
		return fmt.Errorf("invalid datastore url: %w", err)
	}

	a.Handler = router.NewRouter(router.Handlers{
		Auth:      handler.NewAuthHandler(auth, rotation, cookies),
		Admin:     handler.NewAdminHandler(restarter),
		Proxy:     handler.NewProxyHandler(target, nil),
		Session:   handler.NewSessionMiddleware(tokens, rotation, cookies),
		Limiter:   handler.NewRateLimiter(cfg.Auth.LoginRatePerMinute),
		Datastore: repo,
		AdminRole: cfg.Auth.AdminRole,
	})
	return nil
}

// Close releases everything New opened, in reverse order.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Log.WithError(err).Warn("Failed to release resource")
		}
	}
	a.closers = nil
}

func seedRecords(users []config.SeedUser) []*model.UserRecord {
	records := make([]*model.UserRecord, 0, len(users))
	for _, u := range users {
		records = append(records, &model.UserRecord{
			Name:          u.Name,
			Roles:         u.Roles,
			RefreshTokens: []string{},
			PasswordHash:  u.PasswordHash,
		})
	}
	return records
}

func seedPostgres(ctx context.Context, repo *repository.PostgresRecordRepository, users []config.SeedUser) error {
	for _, rec := range seedRecords(users) {
		err := repo.Create(ctx, rec)
		if err != nil && !errors.Is(err, common.ErrConflict) {
			return fmt.Errorf("seeding user %q: %w", rec.Name, err)
		}
	}
	return nil
}

// Run serves until SIGINT or SIGTERM, rebuilding the gateway from fresh
// configuration whenever an admin requests a restart.
func Run() {
	logger.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		restart, err := serve(ctx)
		if err != nil {
			logger.Log.Fatalf("Gateway stopped: %v", err)
		}
		if !restart {
			logger.Log.Info("Server exited properly")
			return
		}
		logger.Log.Warn("Restarting gateway")
	}
}

func serve(ctx context.Context) (bool, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return false, err
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return false, err
	}
	logger.Log.WithFields(logrus.Fields{
		"env":     cfg.App.Env,
		"backend": cfg.Datastore.Backend,
		"redis":   cfg.Redis.Enabled,
	}).Info("Configuration loaded successfully")

	restart := make(restartSignal, 1)
	application, err := New(ctx, cfg, restart)
	if err != nil {
		return false, err
	}
	defer application.Close(context.Background())

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      application.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Log.Infof("Server starting on port :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	restarting := false
	select {
	case <-ctx.Done():
		logger.Log.Warn("Shutdown signal received. Starting graceful shutdown...")
	case <-restart:
		restarting = true
		logger.Log.Warn("Restart requested. Draining connections...")
	case err := <-serveErr:
		return false, fmt.Errorf("failed to start server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return false, fmt.Errorf("server forced to shutdown: %w", err)
	}
	return restarting, nil
}
