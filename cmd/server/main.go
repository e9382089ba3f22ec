package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/gestorhub/erp-sync/internal/api"
	"github.com/gestorhub/erp-sync/internal/config"
	"github.com/gestorhub/erp-sync/internal/db"
	"github.com/gestorhub/erp-sync/internal/erp"
	syncengine "github.com/gestorhub/erp-sync/internal/sync"
)

// @title ERP Sync API
// @version 1.0
// @description Control surface for the external-ERP catalog synchronization engine
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
// @host localhost:8080
// @BasePath /api/v1
func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	logger.SetOutput(os.Stdout)

	// Load configuration with defaults
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate minimum required config
	if cfg.DBConnectionString == "" || cfg.ERPBaseURL == "" || cfg.ERPToken == "" {
		logger.Fatal("Missing required configuration (DB_CONNECTION_STRING, ERP_BASE_URL and ERP_TOKEN must be set)")
	}

	// Initialize database
	dbStore, err := db.NewPostgresStore(cfg.DBConnectionString)
	if err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}

	// Run migrations with retry logic
	if err := retry(3, 5*time.Second, func() error {
		return dbStore.Migrate()
	}); err != nil {
		logger.Fatalf("Failed to run migrations after retries: %v", err)
	}

	// Optional Redis backend for the distributed lock; without it the lock
	// degrades to process-local mutual exclusion.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable, using in-memory lock only")
			redisClient = nil
		}
	}

	syncCfg := config.DefaultSyncConfig()
	syncCfg.PageDelay = cfg.PageDelay

	erpCfg := config.DefaultERPConfig()
	erpClient := erp.NewHTTPClient(cfg.ERPBaseURL, cfg.ERPToken, logger,
		erp.WithRetryConfig(erpCfg.RateLimit.MaxRetries, erpCfg.RateLimit.InitialBackoff, erpCfg.RateLimit.MaxBackoff))

	// Initialize sync engine
	lockManager := syncengine.NewLockManager(redisClient, syncCfg, logger)
	defer lockManager.Stop()

	ledger := syncengine.NewLedger(dbStore, logger)
	progress := syncengine.NewProgressTracker(dbStore, logger)
	transformer := syncengine.NewTransformer(dbStore, syncCfg.MappingCacheTTL, logger)
	merger := syncengine.NewMerger(dbStore, transformer, syncCfg, logger)
	orchestrator := syncengine.NewOrchestrator(erpClient, dbStore, lockManager, ledger, progress, merger, syncCfg, logger)

	apiHandler := api.NewHandler(orchestrator, logger)
	router := api.SetupRouter(apiHandler)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}

	if err := dbStore.Close(); err != nil {
		logger.Errorf("Database close failed: %v", err)
	}
	logger.Info("Server exited properly")
}

// retry attempts an operation up to n times with a fixed delay
func retry(attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		log.Printf("Attempt %d failed: %v, retrying in %v", i+1, err, delay)
		time.Sleep(delay)
	}
	return err
}
