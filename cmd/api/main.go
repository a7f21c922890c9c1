package main

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

	"github.com/BradenHooton/propguard/internal/background"
	"github.com/BradenHooton/propguard/internal/cache"
	"github.com/BradenHooton/propguard/internal/config"
	"github.com/BradenHooton/propguard/internal/database"
	"github.com/BradenHooton/propguard/internal/handlers"
	"github.com/BradenHooton/propguard/internal/metrics"
	middlewareCustom "github.com/BradenHooton/propguard/internal/middleware"
	"github.com/BradenHooton/propguard/internal/models"
	"github.com/BradenHooton/propguard/internal/notify"
	"github.com/BradenHooton/propguard/internal/repositories"
	"github.com/BradenHooton/propguard/internal/routes"
	"github.com/BradenHooton/propguard/internal/services"
	pkghttp "github.com/BradenHooton/propguard/pkg/http"
	pkglogger "github.com/BradenHooton/propguard/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		logger.Warn("invalid LOG_LEVEL, using info", slog.String("value", cfg.Server.LogLevel))
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	ipConfig, err := pkghttp.NewIPConfig(cfg.Server.TrustedProxies)
	if err != nil {
		logger.Error("invalid trusted proxies", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = db.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		logger.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)

	// Protection components
	limiter := services.NewRateLimitService(cfg.RateLimit.Rules(), logger)
	lockout := services.NewLockoutService(cfg.Lockout.Service(), logger)
	sessions := services.NewSessionService(cfg.Session.Service(), logger)
	ledger := services.NewAuditService(cfg.Audit.Service(), logger)

	// Metrics
	m := metrics.New()
	m.RegisterGauges(metrics.StatsSources{
		Limiter:  limiter,
		Lockout:  lockout,
		Sessions: sessions,
		Audit:    ledger,
		Database: db,
	})

	// Audit sinks
	sinks := []services.AuditSink{
		pkglogger.NewAuditLogger(logger),
		auditRepo,
		m.AuditCounter(),
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisClient, err = cache.Connect(ctx, cfg.Redis.URL)
		cancel()
		if err != nil {
			logger.Error("failed to connect to redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer redisClient.Close()
		sinks = append(sinks, cache.NewRedisAuditStream(redisClient, cfg.Redis.AuditStream, cfg.Redis.AuditStreamMaxLen))
		logger.Info("audit stream enabled", slog.String("stream", cfg.Redis.AuditStream))
	}

	if cfg.Email.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		notifier, err := notify.NewSESNotifier(ctx, cfg.Email.AWSRegion, cfg.Email.From, cfg.Email.Recipients, logger)
		cancel()
		if err != nil {
			logger.Error("failed to initialize security alert notifier", slog.Any("error", err))
			os.Exit(1)
		}
		sinks = append(sinks, notifier)
	}

	dispatcher := services.NewAuditDispatcher(cfg.Audit.SinkBuffer, logger, sinks...)
	dispatcher.OnSinkError(m.ObserveSinkFailure)
	dispatcherCtx, dispatcherCancel := context.WithCancel(context.Background())
	defer dispatcherCancel()
	dispatcher.Start(dispatcherCtx)
	ledger.SetPublisher(dispatcher)

	// Initialize services
	authService := services.NewAuthService(limiter, lockout, sessions, ledger, userRepo, logger)
	authService.SetObserver(m)
	adminService := services.NewAdminService(limiter, lockout, sessions, ledger, userRepo, logger)

	// Bootstrap first user if configured
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureBootstrapUser(ctx, userRepo, adminService, logger); err != nil {
		logger.Error("failed to ensure bootstrap user", slog.Any("error", err))
	}
	cancel()

	// Initialize cleanup manager
	cleanupManager := background.NewCleanupManager(logger, cfg.Background.SweepInterval)
	cleanupManager.Register("rate_limiter", limiter)
	cleanupManager.Register("lockout", lockout)
	cleanupManager.Register("sessions", sessions)
	cleanupManager.Register("audit", ledger)
	if retention := cfg.Audit.Service().Retention; retention > 0 {
		cleanupManager.RegisterFunc("audit_archive", func(ctx context.Context) (int64, error) {
			return auditRepo.Cleanup(ctx, retention)
		})
	}
	cleanupManager.OnSweep(m.ObserveSweep)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, routes.Dependencies{
		Auth: handlers.NewAuthHandler(authService, ipConfig, handlers.CookieConfig{
			Secure: cfg.Server.Env == "production",
			MaxAge: cfg.Session.AbsoluteTimeout,
		}),
		Admin:       handlers.NewAdminHandler(adminService, ipConfig),
		Audit:       handlers.NewAuditHandler(adminService, auditRepo, ipConfig),
		Sessions:    authService,
		Limits:      authService,
		IPConfig:    ipConfig,
		Logger:      logger,
		AdminAPIKey: cfg.Server.AdminAPIKey,
		IPPerMinute: cfg.RateLimit.IPPerMinute,
		ExportCost:  cfg.RateLimit.Export.UnitCost(),
		Metrics:     m.Handler(),
		Health:      healthHandler(db, redisClient),
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	// Drain queued audit output before the stores close.
	dispatcher.Close()

	logger.Info("server stopped gracefully",
		slog.Int64("audit_dropped", dispatcher.Dropped()),
		slog.Int64("audit_sink_failures", dispatcher.Failed()))
}

func healthHandler(db *database.DB, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"status": "healthy", "database": "up"}
		code := http.StatusOK
		if err := db.HealthCheck(ctx); err != nil {
			status["status"], status["database"] = "unhealthy", "down"
			code = http.StatusServiceUnavailable
		}
		if rdb != nil {
			status["redis"] = "up"
			if err := rdb.Ping(ctx).Err(); err != nil {
				// The stream is best effort; a down Redis degrades but does not
				// fail the probe.
				status["redis"] = "down"
			}
		}
		pkghttp.WriteJSON(w, code, status)
	}
}

// ensureBootstrapUser creates the first user if BOOTSTRAP_EMAIL and
// BOOTSTRAP_PASSWORD are set.
func ensureBootstrapUser(ctx context.Context, userRepo *repositories.UserRepository, admin *services.AdminService, logger *slog.Logger) error {
	email := os.Getenv("BOOTSTRAP_EMAIL")
	password := os.Getenv("BOOTSTRAP_PASSWORD")

	if email == "" || password == "" {
		logger.Info("no BOOTSTRAP_EMAIL or BOOTSTRAP_PASSWORD set, skipping bootstrap user")
		return nil
	}

	_, err := userRepo.GetByEmail(ctx, email)
	if err == nil {
		logger.Info("bootstrap user already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check bootstrap user: %w", err)
	}

	name := os.Getenv("BOOTSTRAP_NAME")
	if name == "" {
		name = "Bootstrap"
	}
	if _, err := admin.CreateUser(ctx, email, name, password, models.AuditContext{UserID: "system"}); err != nil {
		return fmt.Errorf("failed to create bootstrap user: %w", err)
	}

	logger.Info("bootstrap user created")
	return nil
}
