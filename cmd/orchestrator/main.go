package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/fulfillment/saga-orchestrator/internal/client"
	"github.com/fulfillment/saga-orchestrator/internal/config"
	"github.com/fulfillment/saga-orchestrator/internal/handler"
	"github.com/fulfillment/saga-orchestrator/internal/metrics"
	"github.com/fulfillment/saga-orchestrator/internal/repository"
	"github.com/fulfillment/saga-orchestrator/internal/scheduler"
	"github.com/fulfillment/saga-orchestrator/internal/service"
	"github.com/fulfillment/saga-orchestrator/pkg/audit"
	"github.com/fulfillment/saga-orchestrator/pkg/health"
	"github.com/fulfillment/saga-orchestrator/pkg/logger"
	"github.com/fulfillment/saga-orchestrator/pkg/redislock"
	"github.com/fulfillment/saga-orchestrator/pkg/snowflake"
	"github.com/fulfillment/saga-orchestrator/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log.Printf("Starting %s...", cfg.ServiceName)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	appLog := logger.New(cfg.ServiceName, os.Stdout).SetLevel(cfg.LogLevel)

	idGen, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.Fatalf("Failed to init snowflake: %v", err)
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPingCtx, dbPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Printf("Connected to PostgreSQL")

	if cfg.AutoMigrate {
		if err := repository.Migrate(ctx, db); err != nil {
			log.Fatalf("Failed to migrate schema: %v", err)
		}
		log.Printf("Schema migrated")
	}

	hl := health.New()
	hl.Register(health.NewPostgresChecker(db))

	// Redis 仅用于跨实例轮询锁，未启用时单实例运行
	var locker scheduler.Locker
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient, err = redislock.NewClient(&redislock.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     redislock.DefaultConfig.PoolSize,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		log.Printf("Connected to Redis")
		locker = redislock.NewLocker(redisClient, "saga:poll:", cfg.ServiceName+"-"+uuid.NewString(), cfg.LockTTL)
		hl.RegisterOptional(health.NewPingChecker("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}

	m := metrics.NewDefault()

	auditLog, err := audit.NewDBLogger(db,
		audit.WithIDGenerator(idGen.NextID),
		audit.WithErrorHandler(func(err error) {
			appLog.WithError(err).Warn("audit write failed")
		}),
	)
	if err != nil {
		log.Fatalf("Failed to init audit logger: %v", err)
	}
	defer auditLog.Close()

	gateway := client.NewServiceGateway(client.Endpoints{
		Order:     cfg.OrderServiceURL,
		Collector: cfg.CollectorServiceURL,
		Office:    cfg.OfficeServiceURL,
		Delivery:  cfg.DeliveryServiceURL,
		Payment:   cfg.PaymentServiceURL,
	}, client.Options{
		InternalToken: cfg.InternalToken,
		Timeout:       cfg.CallTimeout,
		RetryMax:      cfg.HTTPRetryMax,
		Audit:         auditLog,
		Logger:        appLog,
		Metrics:       m,
	})

	svc := service.NewSagaService(service.Stores{
		Transactions:  repository.NewTransactionRepository(db),
		Steps:         repository.NewStepRepository(db),
		Compensations: repository.NewCompensationRepository(db),
		Problems:      repository.NewProblemRepository(db),
		Paybacks:      repository.NewPaybackRepository(db),
		Accounts:      repository.NewAccountRepository(db),
	}, gateway, idGen, appLog, m, service.Options{
		MaxRetries:             cfg.MaxRetries,
		CompensationMaxRetries: cfg.CompensationMaxRetries,
		DefaultTimeoutMinutes:  cfg.DefaultTimeoutMinutes,
		RetryBaseDelay:         cfg.RetryBaseDelay,
		RetryMaxDelay:          cfg.RetryMaxDelay,
		StepLeaseTimeout:       cfg.StepLeaseTimeout,
		CallTimeout:            cfg.CallTimeout,
		BatchSize:              cfg.PollBatchSize,
		Concurrency:            cfg.PollConcurrency,
		SystemAccountName:      cfg.SystemAccountName,
	})

	// 退款台账依赖系统账户，启动时确保存在
	if _, err := svc.EnsureSystemAccount(ctx); err != nil {
		log.Fatalf("Failed to ensure system account: %v", err)
	}

	sched := scheduler.New(locker, appLog, m)
	if err := sched.Register(scheduler.SagaJobs(svc, scheduler.Intervals{
		Steps:         cfg.StepPollInterval,
		Retries:       cfg.RetryPollInterval,
		Compensations: cfg.CompensationPollInterval,
		Cleanup:       cfg.CleanupInterval,
		Vozvrat:       cfg.VozvratPollInterval,
		Paybacks:      cfg.PaybackPollInterval,
	})...); err != nil {
		log.Fatalf("Failed to register polls: %v", err)
	}
	for _, c := range sched.Checkers() {
		hl.RegisterOptional(c)
	}
	sched.Start()

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler.New(handler.Config{
			Service:       svc,
			Health:        hl,
			Metrics:       m.Handler(),
			InternalToken: cfg.InternalToken,
			AdminToken:    cfg.AdminToken,
			MetricsToken:  os.Getenv("METRICS_TOKEN"),
			Logger:        appLog,
		}),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()
	hl.SetReady(true)

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	hl.SetReady(false)
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Printf("Scheduler stop: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("Tracing shutdown: %v", err)
	}
	log.Println("Shutdown complete")
}
