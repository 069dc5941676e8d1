package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"townin/internal/config"
	"townin/internal/handler"
	"townin/internal/infrastructure/cache"
	"townin/internal/infrastructure/database"
	"townin/internal/infrastructure/logger"
	"townin/internal/infrastructure/mq"
	"townin/internal/job"
	"townin/internal/service"
	"townin/pkg/idgen"

	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	// 加载配置
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.InitLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// 初始化 ID 生成器
	if err := idgen.Init(1); err != nil {
		log.Fatal("初始化ID生成器失败", zap.Error(err))
	}

	// 初始化 MySQL
	db, err := database.InitMySQL(&cfg.MySQL, log)
	if err != nil {
		log.Fatal("初始化MySQL失败", zap.Error(err))
	}

	// 初始化 Redis
	redisClient, err := cache.InitRedis(&cfg.Redis, log)
	if err != nil {
		log.Fatal("初始化Redis失败", zap.Error(err))
	}
	defer redisClient.Close()

	// 初始化 Kafka
	producer, err := mq.InitKafka(&cfg.Kafka, log)
	if err != nil {
		log.Fatal("初始化Kafka失败", zap.Error(err))
	}
	defer producer.Close()

	// 业务服务
	ledgerService := service.NewLedgerService(db, redisClient, cfg, log)
	targetingService := service.NewTargetingService(db, redisClient, cfg, log, ledgerService)
	flyerService := service.NewFlyerService(db, cfg, log, ledgerService)
	regionService := service.NewRegionService(db, log)
	gridService := service.NewGridService(db, cfg)
	outboxService := service.NewOutboxService(db, log)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg, log)
	go outboxSender.Start(ctx)

	flyerExpireJob := job.NewFlyerExpireJob(flyerService, cfg, log)
	go flyerExpireJob.Start(ctx)

	pointExpiryJob := job.NewPointExpiryJob(db, redisClient, ledgerService, cfg, log)
	go pointExpiryJob.Start(ctx)

	ledgerAuditJob := job.NewLedgerAuditJob(db, ledgerService, cfg, log)
	go ledgerAuditJob.Start(ctx)

	// 设置路由
	h := handler.NewHandler(ledgerService, targetingService, flyerService, regionService, gridService, outboxService, log)
	router := handler.SetupRouter(h, log, cfg.Server.Mode)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服务关闭异常", zap.Error(err))
	}

	log.Info("服务已关闭")
}
