package cron

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/qs3c/archmind/internal/worker"
)

const (
	defaultReapInterval  = time.Minute
	defaultCleanInterval = time.Hour
)

// StaleReaper 把长时间未刷新的 processing 状态改写为 error
type StaleReaper interface {
	ReapStale(ctx context.Context) (bool, error)
}

// Service 后台定时任务：回收失联的分析、清理过期克隆目录
type Service struct {
	reaper      StaleReaper
	cloneDir    string
	cloneMaxAge time.Duration

	reapInterval  time.Duration
	cleanInterval time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

func NewService(reaper StaleReaper, cloneDir string, cloneMaxAge time.Duration) *Service {
	if cloneMaxAge <= 0 {
		cloneMaxAge = time.Hour
	}
	return &Service{
		reaper:        reaper,
		cloneDir:      cloneDir,
		cloneMaxAge:   cloneMaxAge,
		reapInterval:  defaultReapInterval,
		cleanInterval: defaultCleanInterval,
		stopChan:      make(chan struct{}),
		now:           time.Now,
	}
}

// SetIntervals 测试用
func (s *Service) SetIntervals(reap, clean time.Duration) {
	s.reapInterval = reap
	s.cleanInterval = clean
}

// Start 启动定时任务
func (s *Service) Start() {
	go s.loop(s.reapInterval, s.reapStale)
	go s.loop(s.cleanInterval, func() { s.cleanupClones() })
	log.Println("Cron service started (stale reaper + clone cleanup)")
}

// Stop 停止定时任务，可重复调用
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		log.Println("Cron service stopped")
	})
}

func (s *Service) loop(interval time.Duration, task func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			task()
		}
	}
}

func (s *Service) reapStale() {
	if s.reaper == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reaped, err := s.reaper.ReapStale(ctx)
	if err != nil {
		log.Printf("Cron: failed to reap stale analysis: %v", err)
		return
	}
	if reaped {
		log.Println("Cron: abandoned analysis marked as error")
	}
}

// cleanupClones 删除超过 cloneMaxAge 的克隆目录，返回删除数量
func (s *Service) cleanupClones() int {
	if s.cloneDir == "" {
		return 0
	}
	removed, err := worker.CleanExpiredClones(s.cloneDir, s.cloneMaxAge, s.now(), false)
	if err != nil {
		log.Printf("Cron: failed to clean clone dir %s: %v", s.cloneDir, err)
		return 0
	}
	if len(removed) > 0 {
		log.Printf("Cron: removed %d expired clone directories", len(removed))
	}
	return len(removed)
}

// RunNow 立即执行一轮全部任务（用于测试或手动触发）
func (s *Service) RunNow() int {
	s.reapStale()
	return s.cleanupClones()
}
