package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/api"
	"github.com/qs3c/archmind/internal/api/handler"
	"github.com/qs3c/archmind/internal/database"
	"github.com/qs3c/archmind/internal/pkg/cache"
	"github.com/qs3c/archmind/internal/pkg/cron"
	"github.com/qs3c/archmind/internal/pkg/llm"
	"github.com/qs3c/archmind/internal/pkg/pubsub"
	"github.com/qs3c/archmind/internal/pkg/queue"
	"github.com/qs3c/archmind/internal/pkg/status"
	"github.com/qs3c/archmind/internal/pkg/vectorstore"
	"github.com/qs3c/archmind/internal/pkg/ws"
	"github.com/qs3c/archmind/internal/repository"
	"github.com/qs3c/archmind/internal/service"
	"github.com/qs3c/archmind/internal/worker"
)

func main() {
	// 加载配置
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化数据库
	db, err := database.NewMySQL(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}
	log.Println("Database connected")

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}
	log.Println("Redis connected")

	store, err := status.New(&cfg.Status, rdb)
	if err != nil {
		log.Fatalf("Failed to init status store: %v", err)
	}

	// 向量库与生成模型（问答需要；内嵌 worker 时共用）
	index, err := vectorstore.New(&cfg.Vector)
	if err != nil {
		log.Fatalf("Failed to open vector store: %v", err)
	}
	index.SetRefreshOnMiss(!cfg.Queue.Embedded)

	provider, err := llm.NewProvider(&cfg.Generation)
	if err != nil {
		log.Fatalf("Failed to init generation provider: %v", err)
	}
	generator := llm.NewGenerator(provider, &cfg.Generation)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化 WebSocket Hub，订阅 worker 发布的进度
	wsHub := ws.NewHub()
	go func() {
		if err := pubsub.NewSubscriber(rdb).Subscribe(ctx, wsHub.ForwardProgress); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Progress subscriber stopped: %v", err)
		}
	}()

	// 初始化 Repository
	logRepo := repository.NewAnalysisLogRepository(db)
	historyRepo := repository.NewHistoryRepository(db)

	// 初始化 Service
	quotaService := service.NewQuotaService(logRepo, &cfg.Quota)
	analysisService := service.NewAnalysisService(
		logRepo,
		quotaService,
		store,
		queue.NewQueue(rdb, cfg.Queue.AnalysisQueue),
		&cfg.Analysis,
	)
	historyService := service.NewHistoryService(historyRepo, cache.NewHistoryCache(rdb, cfg.History.CacheTTL()), &cfg.History)
	chatService := service.NewChatService(index, generator, store, cfg.Analysis.TopK)

	// 内嵌 worker
	if cfg.Queue.Embedded {
		pipeline := worker.NewPipeline(cfg, db, rdb, store, index, generator)
		go pipeline.Start(ctx)
		log.Println("Embedded worker started")
	}

	// 定时任务：回收失联分析、清理克隆目录
	cronService := cron.NewService(analysisService, cfg.Analysis.CloneDir, 2*cfg.Analysis.StaleAfter())
	cronService.Start()
	defer cronService.Stop()

	// 初始化 Router
	router := api.NewRouter(
		handler.NewAnalysisHandler(analysisService, quotaService),
		handler.NewHistoryHandler(historyService),
		handler.NewChatHandler(chatService),
		handler.NewWebSocketHandler(wsHub, cfg.JWT.Secret, cfg.CORS.AllowedOrigins),
		quotaService,
		cfg,
	)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router.Setup(),
	}

	go func() {
		log.Printf("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Received shutdown signal")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
