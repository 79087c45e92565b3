package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/database"
	"github.com/qs3c/archmind/internal/pkg/llm"
	"github.com/qs3c/archmind/internal/pkg/status"
	"github.com/qs3c/archmind/internal/pkg/vectorstore"
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

	// 状态存储需与 server 共用同一后端
	store, err := status.New(&cfg.Status, rdb)
	if err != nil {
		log.Fatalf("Failed to init status store: %v", err)
	}

	// 向量库与生成模型
	index, err := vectorstore.New(&cfg.Vector)
	if err != nil {
		log.Fatalf("Failed to open vector store: %v", err)
	}
	provider, err := llm.NewProvider(&cfg.Generation)
	if err != nil {
		log.Fatalf("Failed to init generation provider: %v", err)
	}
	generator := llm.NewGenerator(provider, &cfg.Generation)

	pipeline := worker.NewPipeline(cfg, db, rdb, store, index, generator)

	// 创建 context 用于优雅关闭
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		cancel()
	}()

	log.Printf("Worker started, queue: %s", cfg.Queue.AnalysisQueue)
	pipeline.Start(ctx)
	log.Println("Worker shutdown complete")
}
