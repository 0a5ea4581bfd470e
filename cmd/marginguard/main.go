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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bitguard/marginguard/internal/cache"
	"github.com/bitguard/marginguard/internal/config"
	"github.com/bitguard/marginguard/internal/exchange"
	"github.com/bitguard/marginguard/internal/marginguard"
	"github.com/bitguard/marginguard/internal/notify"
	"github.com/bitguard/marginguard/internal/queue"
	"github.com/bitguard/marginguard/internal/repository"
	"github.com/bitguard/marginguard/internal/stream"
	"github.com/bitguard/marginguard/internal/vault"
	"github.com/bitguard/marginguard/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("MARGINGUARD_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	// Redis backs the distributed cache tier and the job queue.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	cancelPing()

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := repository.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Repositories exist before anything that schedules work against them.
	policyRepo := repository.NewPolicyRepository(db)
	userRepo := repository.NewUserRepository(db)
	execLogRepo := repository.NewExecutionLogRepository(db)
	prefsRepo := repository.NewNotificationPreferenceRepository(db)

	credentialVault := vault.New(cfg.Vault.Secret, cfg.Vault.Salt)

	tieredCache := cache.New(cache.NewRedisStore(redisClient), zapLogger, cache.NewMetrics(registry))

	pool := exchange.NewServicePool(
		exchange.NewHTTPFactory(cfg.Exchange.BaseURL, 10*time.Second),
		cfg.Exchange.ServiceTTL,
		zapLogger,
	)

	store := queue.NewRedisStore(redisClient, queue.Retention{
		Completed: cfg.Queue.KeepCompleted,
		Failed:    cfg.Queue.KeepFailed,
	})

	kafkaWriter := notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.NotificationsTopic)
	defer kafkaWriter.Close()
	publisher := notify.NewPublisher(kafkaWriter, prefsRepo, store, zapLogger)

	// Outbound market feed plus the dashboard fan-out surface.
	streamMetrics := stream.NewMetrics(registry)
	manager := stream.NewManager(&stream.WSDialer{HandshakeTimeout: 10 * time.Second}, stream.DefaultConfig(), zapLogger, streamMetrics)
	hub := stream.NewHub(zapLogger)
	stream.NewRelay(manager, hub, zapLogger)
	if cfg.Feed.URL != "" {
		manager.CreateConnection("market-feed", cfg.Feed.URL, map[string]string{"role": "index-price"})
	}

	server := stream.NewServer(manager, hub, cfg.HTTP.JWTSecret, zapLogger)
	server.AttachMarginAPI(execLogRepo, tieredCache.Stats)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.Router(registry),
	}
	go func() {
		zapLogger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	guardMetrics := marginguard.NewMetrics(registry)
	evaluator := marginguard.NewEvaluator(
		policyRepo, userRepo, execLogRepo,
		credentialVault, tieredCache, pool, publisher,
		zapLogger, guardMetrics,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerCfg := queue.WorkerConfig{
		Concurrency: cfg.Worker.Concurrency,
		RatePerSec:  cfg.Worker.RatePerSec,
		JobTimeout:  cfg.Worker.JobTimeout,
	}
	checkWorker := queue.NewWorker(store, queue.QueueMarginCheck, workerCfg, zapLogger)
	evaluator.RegisterHandlers(checkWorker)
	checkWorker.Start(ctx)

	execWorker := queue.NewWorker(store, queue.QueueExecution, workerCfg, zapLogger)
	publisher.RegisterHandlers(execWorker)
	execWorker.Start(ctx)

	scheduler := marginguard.NewScheduler(policyRepo, pool, store, marginguard.SchedulerConfig{
		Interval:   cfg.Scheduler.Interval,
		BatchSize:  cfg.Scheduler.BatchSize,
		BatchPause: cfg.Scheduler.BatchPause,
	}, zapLogger, guardMetrics)
	scheduler.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down")

	// Reverse startup order: stop producing work, drain workers, then
	// tear the surfaces down.
	scheduler.Stop()
	checkWorker.Stop()
	execWorker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	hub.Shutdown()
	manager.Shutdown()
	if err := redisClient.Close(); err != nil {
		zapLogger.Warn("Redis close failed", zap.Error(err))
	}
	zapLogger.Info("Shutdown complete")
}
