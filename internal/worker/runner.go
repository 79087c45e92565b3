package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/pkg/cache"
	"github.com/qs3c/archmind/internal/pkg/oss"
	"github.com/qs3c/archmind/internal/pkg/pubsub"
	"github.com/qs3c/archmind/internal/pkg/queue"
	"github.com/qs3c/archmind/internal/pkg/status"
	"github.com/qs3c/archmind/internal/repository"
	"github.com/qs3c/archmind/internal/service"
)

const defaultPopTimeout = 5 * time.Second

// JobSource 任务来源
type JobSource interface {
	Pop(ctx context.Context, timeout time.Duration) (*queue.JobMessage, error)
}

// Runner 单消费者循环；同一时刻只处理一个分析
type Runner struct {
	source     JobSource
	processor  *Processor
	popTimeout time.Duration
}

func NewRunner(source JobSource, processor *Processor) *Runner {
	return &Runner{
		source:     source,
		processor:  processor,
		popTimeout: defaultPopTimeout,
	}
}

// Run 阻塞直到 ctx 取消
func (r *Runner) Run(ctx context.Context) {
	log.Println("Worker: waiting for analysis jobs")
	for {
		if ctx.Err() != nil {
			log.Println("Worker: shutting down")
			return
		}

		msg, err := r.source.Pop(ctx, r.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, queue.ErrMalformedJob) {
				log.Printf("Worker: dropped job: %v", err)
				continue
			}
			log.Printf("Worker: failed to pop job: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		log.Printf("Worker: processing log %d", msg.LogID)
		if err := r.processor.Process(ctx, msg); err != nil {
			log.Printf("Worker: log %d failed: %v", msg.LogID, err)
		}
	}
}

// Pipeline worker 进程（或内嵌 worker 的 server）需要的全部组件
type Pipeline struct {
	Processor  *Processor
	Runner     *Runner
	Reuploader *Reuploader
}

// NewPipeline 按配置组装处理流水线；OSS 未配置时归档只落本地
func NewPipeline(
	cfg *config.Config,
	db *gorm.DB,
	rdb *redis.Client,
	store status.Store,
	index VectorIndex,
	generator Generator,
) *Pipeline {
	logRepo := repository.NewAnalysisLogRepository(db)
	historyService := service.NewHistoryService(
		repository.NewHistoryRepository(db),
		cache.NewHistoryCache(rdb, cfg.History.CacheTTL()),
		&cfg.History,
	)

	var uploader Uploader
	if oss.Enabled(&cfg.OSS) {
		client, err := oss.NewClient(&cfg.OSS)
		if err != nil {
			log.Printf("Warning: failed to init OSS client: %v", err)
		} else {
			uploader = client
			log.Println("OSS client initialized")
		}
	}

	processor := NewProcessor(Deps{
		Source:    NewGitSource(&cfg.Analysis),
		Index:     index,
		Generator: generator,
		Status:    store,
		History:   historyService,
		Logs:      logRepo,
		Publisher: pubsub.NewPublisher(rdb),
		Archiver:  NewArchiveStore(uploader, cfg.Analysis.ArchiveDir),
	}, &cfg.Analysis, &cfg.Generation)

	p := &Pipeline{
		Processor: processor,
		Runner:    NewRunner(queue.NewQueue(rdb, cfg.Queue.AnalysisQueue), processor),
	}
	if uploader != nil && cfg.Analysis.ArchiveDir != "" {
		p.Reuploader = NewReuploader(logRepo, uploader, cfg.Analysis.ArchiveDir)
	}
	return p
}

// Start 启动消费循环与补传任务，阻塞直到 ctx 取消
func (p *Pipeline) Start(ctx context.Context) {
	if p.Reuploader != nil {
		go p.Reuploader.Start(ctx)
	}
	p.Runner.Run(ctx)
}
