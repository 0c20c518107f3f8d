package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/api"
	"bitbucket.org/mmdatafocus/books_ledger/config"
	"bitbucket.org/mmdatafocus/books_ledger/middlewares"
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/store"
	"bitbucket.org/mmdatafocus/books_ledger/store/gormstore"
	"bitbucket.org/mmdatafocus/books_ledger/store/memory"
	"bitbucket.org/mmdatafocus/books_ledger/tenantconfig"
	"bitbucket.org/mmdatafocus/books_ledger/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	s, sqlDB, err := openStore(sigCtx, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "store"}).Fatal(err.Error())
	}
	defer s.Close()

	locker, err := workflow.LockerFromEnv(sigCtx, sqlDB)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "locker"}).Fatal(err.Error())
	}

	tenants, err := tenantconfig.NewFileProvider(config.TenantConfigFile(), tenantconfig.Defaults{
		CostingMethod:      models.CostingMethod(config.DefaultCostingMethod()),
		AllowNegativeStock: config.AllowNegativeStock(),
	}, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "tenantconfig"}).Fatal(err.Error())
	}

	engine := workflow.NewEngine(s, tenants, workflow.WithLocker(locker), workflow.WithLogger(logger))

	// Background workers stop before HTTP drains.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go func() {
		if err := tenants.Watch(workerCtx); err != nil {
			config.LogError(logger, "main", "Watch", "watch tenant config", config.TenantConfigFile(), err)
		}
	}()
	go workflow.NewOutboxDispatcher(s, workflow.PublisherFromEnv(logger), logger).Run(workerCtx)

	r := api.NewRouter(api.NewHandler(engine, logger), api.RouterConfig{
		Middlewares:       []gin.HandlerFunc{cors.New(corsConfig())},
		TenantMiddlewares: tenantMiddlewares(sigCtx, logger),
	})

	srv := &http.Server{
		Addr:    ":" + config.HTTPPort(),
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()
	logger.WithFields(logrus.Fields{
		"port":    config.HTTPPort(),
		"store":   config.StoreBackend(),
		"locking": config.LockBackend(),
	}).Info("ledger.server.started")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	_ = config.ClosePubSub()
	_ = config.CloseRedis()
}

// openStore connects the backend named by STORE_BACKEND. The *sql.DB is nil
// for the memory backend.
func openStore(ctx context.Context, logger *logrus.Logger) (store.Store, *sql.DB, error) {
	switch backend := config.StoreBackend(); backend {
	case "memory":
		logger.Warn("STORE_BACKEND=memory; ledger data is lost on restart")
		return memory.New(), nil, nil
	case "mysql":
		db, err := config.ConnectDatabaseWithRetry(ctx)
		if err != nil {
			return nil, nil, err
		}
		s := gormstore.New(db)
		// AutoMigrate can block tables; deployments may run it as a separate job.
		if config.SkipMigrations() {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		} else if err := s.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return s, sqlDB, nil
	default:
		return nil, nil, errors.New("unknown STORE_BACKEND " + backend)
	}
}

func tenantMiddlewares(ctx context.Context, logger *logrus.Logger) []gin.HandlerFunc {
	enabled, limit, window := config.RateLimit()
	if !enabled {
		return nil
	}
	if config.GetRedisDB() == nil {
		if _, err := config.ConnectRedisWithRetry(ctx); err != nil {
			config.LogError(logger, "main", "tenantMiddlewares", "connect redis for rate limiting", nil, err)
			return nil
		}
	}
	return []gin.HandlerFunc{middlewares.NewRateLimiter(config.GetRedisDB(), limit, window).Middleware()}
}

// Production requires an explicit CORS_ALLOWED_ORIGINS allowlist; other
// environments allow all origins.
func corsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		if len(corsConfig.AllowOrigins) == 0 {
			// deny all until configured
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", middlewares.CorrelationIdHeader)
	corsConfig.AddExposeHeaders("Content-Length", middlewares.CorrelationIdHeader)
	return corsConfig
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
