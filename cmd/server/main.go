/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the FIFO ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and environment configuration
  2. Parse command-line flags (override env)
  3. Build the zap logger
  4. Initialize SQLite store
  5. Choose the per-SKU locker (in-process or redis)
  6. Create engine, inventory service, API handler and router
  7. Start the integrity scheduler
  8. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: $HTTP_PORT or 8080)
  -db      SQLite database path (default: $DB_PATH or fifo.db)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  See config/config.go. LOCK_BACKEND=redis switches to distributed locks
  for running several replicas against one database.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Two replicas sharing locks
  LOCK_BACKEND=redis REDIS_ADDR=redis:6379 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/fifo-ledger/api"
	"github.com/warp/fifo-ledger/config"
	"github.com/warp/fifo-ledger/fifo"
	"github.com/warp/fifo-ledger/inventory"
	"github.com/warp/fifo-ledger/lock"
	"github.com/warp/fifo-ledger/store/sqlite"
)

func main() {
	// .env is optional
	_ = godotenv.Load()
	cfg := config.LoadEnv()

	// Flags
	port := flag.String("port", cfg.Server.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DB.Path, "SQLite database path")
	flag.Parse()

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.String("path", *dbPath), zap.Error(err))
	}
	defer store.Close()

	locker, closeLocker, err := newLocker(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize locker", zap.String("backend", cfg.Lock.Backend), zap.Error(err))
	}
	defer closeLocker()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := fifo.NewEngine(store,
		fifo.WithLocker(locker),
		fifo.WithLogger(logger.Named("fifo")),
		fifo.WithMetrics(fifo.NewMetrics(reg)),
		fifo.WithRetryPolicy(fifo.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		}),
	)
	svc := inventory.NewService(engine, logger.Named("inventory"))
	handler := api.NewHandler(svc, store, logger.Named("api"))

	scheduler := api.NewIntegrityScheduler(svc, logger.Named("integrity"))
	scheduler.CheckInterval = cfg.Jobs.IntegrityInterval
	scheduler.Start()
	defer scheduler.Stop()

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		Gatherer:    reg,
		Scheduler:   scheduler,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("env", cfg.Server.AppEnv),
			zap.String("db", *dbPath),
			zap.String("lock_backend", cfg.Lock.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logger.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.IsDevelopment() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = cfg.Logger.Encoding
	return zc.Build()
}

// newLocker returns the per-SKU locker and a func releasing its resources.
func newLocker(cfg *config.Config, logger *zap.Logger) (fifo.Locker, func(), error) {
	switch cfg.Lock.Backend {
	case "", "local":
		return lock.NewLocal(), func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		lcfg := lock.DefaultRedisConfig()
		lcfg.TTL = cfg.Lock.TTL
		return lock.NewRedis(rdb, lcfg, logger.Named("lock")), func() { rdb.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
}
