package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/omsbridge/bridge/internal/api/handler"
	"github.com/omsbridge/bridge/internal/api/router"
	"github.com/omsbridge/bridge/internal/config"
	"github.com/omsbridge/bridge/internal/decode"
	"github.com/omsbridge/bridge/internal/observability"
	"github.com/omsbridge/bridge/internal/pipeline"
	"github.com/omsbridge/bridge/internal/publish"
	"github.com/omsbridge/bridge/internal/store"
	"github.com/omsbridge/bridge/shared/logger"
	"github.com/omsbridge/bridge/shared/postgresql"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("BRIDGE_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/bridge-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting bridge service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	storage := store.NewStorage(dbClient.GetDB(), appLogger.Logger)
	if err := storage.Migrate(context.Background()); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	metrics := observability.NewMetrics(otel.GetMeterProvider())

	// Mapping document for the decode service, hot-reloaded in background
	mapping := pipeline.NewFileMappingProvider(cfg.Mapping.Path, appLogger.Logger)
	if err := mapping.Load(); err != nil {
		return fmt.Errorf("failed to load mapping: %w", err)
	}

	keyPolicy, err := pipeline.ParseKeyPolicy(cfg.Pipeline.KeyPolicy)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	dedup := pipeline.NewDedup(cfg.Pipeline.Dedup.Window, cfg.Pipeline.Dedup.Enabled, appLogger.Logger)
	queue := pipeline.NewQueue(cfg.Pipeline.QueueCapacity)
	resolver := pipeline.NewResolver(storage, keyPolicy, appLogger.Logger)
	decoder := initDecoder(&cfg.Decode, appLogger.Logger, metrics)
	publisher := initPublisher(&cfg.Broker, appLogger.Logger, metrics)

	pool := pipeline.NewPool(
		pipeline.PoolConfig{
			Workers:    cfg.Pipeline.Workers,
			JobTimeout: cfg.Pipeline.JobTimeout,
		},
		queue, resolver, mapping, decoder, publisher, storage,
		appLogger.Logger, metrics,
	)

	// Background goroutines run until this context is canceled
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go dedup.Run(bgCtx, cfg.Pipeline.Dedup.SweepInterval)
	go mapping.Run(bgCtx, cfg.Mapping.RefreshInterval)

	publisher.Start()
	pool.Start(bgCtx)

	// Initialize router and HTTP server
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:    appLogger.Logger,
		Storage:   storage,
		Dedup:     dedup,
		Queue:     queue,
		Decoder:   decoder,
		Publisher: publisher,
		Mapping:   mapping,
		Metrics:   metrics,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Bridge service is running",
		slog.String("address", addr),
		slog.Int("workers", cfg.Pipeline.Workers),
		slog.String("key_policy", keyPolicy.String()),
	)

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down bridge service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop intake first so no new jobs arrive, then let the workers drain
	// what is already queued before the publisher goes away.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	queue.Close()
	pool.Wait()
	bgCancel()
	publisher.Close()

	appLogger.Info("Bridge service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initDecoder initializes the decode-service client
func initDecoder(cfg *config.DecodeConfig, logger *slog.Logger, metrics *observability.Metrics) *decode.Client {
	return decode.NewClient(&decode.Config{
		BaseURL:          cfg.BaseURL,
		Token:            cfg.Token,
		Timeout:          cfg.Timeout,
		MaxAttempts:      cfg.MaxAttempts,
		BackoffInitial:   cfg.Backoff.InitialInterval,
		BackoffMax:       cfg.Backoff.MaxInterval,
		BreakerThreshold: cfg.Breaker.FailureThreshold,
		BreakerCooldown:  cfg.Breaker.Cooldown,
	}, logger, metrics)
}

// initPublisher initializes the MQTT publisher
func initPublisher(cfg *config.BrokerConfig, logger *slog.Logger, metrics *observability.Metrics) *publish.Publisher {
	return publish.NewPublisher(&publish.Config{
		URL:              cfg.URL,
		Username:         cfg.Username,
		Password:         cfg.Password,
		ClientID:         cfg.ClientID,
		QoS:              cfg.QoS,
		Retain:           cfg.Retain,
		RawTopic:         cfg.Topics.Raw,
		ParsedTopic:      cfg.Topics.Parsed,
		ErrorTopic:       cfg.Topics.Error,
		BacklogCapacity:  cfg.BacklogCapacity,
		PublishTimeout:   cfg.PublishTimeout,
		ReconnectInitial: cfg.Reconnect.InitialInterval,
		ReconnectMax:     cfg.Reconnect.MaxInterval,
	}, logger, metrics)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
