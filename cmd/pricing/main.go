package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pricepilot/pricepilot/internal/pipeline/application"
	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
	"github.com/pricepilot/pricepilot/internal/pipeline/infrastructure/channel"
	"github.com/pricepilot/pricepilot/internal/pipeline/infrastructure/messaging"
	persistence "github.com/pricepilot/pricepilot/internal/pipeline/infrastructure/persistence/mysql"
	"github.com/pricepilot/pricepilot/internal/pipeline/interfaces/consumer"
	pipelinehttp "github.com/pricepilot/pricepilot/internal/pipeline/interfaces/http"
	"github.com/pricepilot/pricepilot/pkg/config"
	"github.com/pricepilot/pricepilot/pkg/db"
	"github.com/pricepilot/pricepilot/pkg/logger"
	"github.com/pricepilot/pricepilot/pkg/metrics"
	"github.com/pricepilot/pricepilot/pkg/mq"
	"github.com/pricepilot/pricepilot/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", "configs/pricing.toml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := logger.Init(cfg.Logger); err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 数据库
	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init database", "error", err)
	}
	defer database.Close()

	if err := database.AutoMigrate(
		&domain.PricingRule{}, &domain.RuleRun{}, &domain.RuleTarget{},
		&domain.OutboxEvent{}, &domain.AuditRecord{},
		&domain.ReconciliationReport{}, &domain.PriceMismatch{},
		&persistence.Product{}, &persistence.SKU{}, &persistence.Price{},
	); err != nil {
		logger.Fatal(ctx, "failed to migrate database", "error", err)
	}

	// 仓储
	ruleRepo := persistence.NewRuleRepo(database.DB)
	runRepo := persistence.NewRunRepo(database.DB)
	outboxRepo := persistence.NewOutboxRepo(database.DB)
	auditRepo := persistence.NewAuditRepo(database.DB)
	reportRepo := persistence.NewReportRepo(database.DB)
	catalogRepo := persistence.NewCatalogRepo(database.DB)

	// 渠道限流预算存放在 Redis，多 worker 实例共享同一预算
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	limiter := channel.NewRateLimitedWaiter(
		ratelimit.NewRedisRateLimiter(rdb),
		map[string]ratelimit.Limit{
			"channel:shopify": {Rate: cfg.Channels.Shopify.RatePerSecond, Period: time.Second, Burst: cfg.Channels.Shopify.RatePerSecond},
			"channel:amazon":  {Rate: cfg.Channels.Amazon.RatePerSecond, Period: time.Second, Burst: cfg.Channels.Amazon.RatePerSecond},
		},
	)
	registry := channel.NewRegistry(
		channel.NewShopifyConnector(cfg.Channels.Shopify.Endpoint, cfg.Channels.Shopify.Token,
			time.Duration(cfg.Channels.Shopify.Timeout)*time.Second),
		channel.NewAmazonConnector(cfg.Channels.Amazon.Endpoint, cfg.Channels.Amazon.Token,
			time.Duration(cfg.Channels.Amazon.Timeout)*time.Second),
	)

	m := metrics.New(cfg.ServiceName)
	slogger := logger.Get()

	// 应用服务
	materializer := application.NewMaterializer(ruleRepo, catalogRepo, runRepo, auditRepo, m, slogger)
	runService := application.NewRunService(runRepo, outboxRepo, auditRepo, registry, limiter, m, slogger)
	applier := application.NewApplier(runRepo, registry, limiter, auditRepo, m, slogger, application.ApplierConfig{
		MaxAttempts: cfg.Worker.MaxAttempts,
		BackoffBase: time.Duration(cfg.Worker.BackoffBase) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.Worker.BackoffCap) * time.Millisecond,
	})
	reconciler := application.NewReconciler(runRepo, registry, limiter, reportRepo, auditRepo, m, slogger)

	// 出箱中继与派发消费者，显式构造后交给进程托管
	workerID := cfg.Worker.WorkerID
	if workerID == "" {
		workerID = fmt.Sprintf("%s-%s", cfg.ServiceName, uuid.NewString()[:8])
	}
	kafkaCfg := mq.KafkaConfig{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.GroupID,
		SessionTimeout: cfg.Kafka.SessionTimeout,
		MaxRetries:     cfg.Kafka.MaxRetries,
		RetryBackoff:   cfg.Kafka.RetryBackoff,
	}
	producer, err := mq.NewProducer(kafkaCfg)
	if err != nil {
		logger.Fatal(ctx, "failed to create kafka producer", "error", err)
	}
	defer producer.Close()
	kafkaConsumer, err := mq.NewConsumer(kafkaCfg, domain.EventTypeRulesApply)
	if err != nil {
		logger.Fatal(ctx, "failed to create kafka consumer", "error", err)
	}
	defer kafkaConsumer.Close()

	relay := messaging.NewOutboxRelay(outboxRepo, producer, m, slogger, workerID,
		time.Duration(cfg.Worker.PollInterval)*time.Millisecond)
	applyConsumer := consumer.NewApplyConsumer(kafkaConsumer, applier, outboxRepo, slogger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relay.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		applyConsumer.Run(ctx)
	}()

	// HTTP 控制面
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, m.Handler())
	}
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   cfg.ServiceName,
			"timestamp": time.Now().Unix(),
		})
	})
	handler := pipelinehttp.NewPipelineHandler(materializer, runService, reconciler)
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}
	go func() {
		logger.Info(ctx, "http server started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "http server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "http server shutdown failed", "error", err)
	}
	wg.Wait()
	logger.Info(context.Background(), "shutdown complete")
}
