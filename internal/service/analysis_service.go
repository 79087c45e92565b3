package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/model"
	"github.com/qs3c/archmind/internal/model/dto"
	"github.com/qs3c/archmind/internal/pkg/queue"
	"github.com/qs3c/archmind/internal/pkg/repourl"
	"github.com/qs3c/archmind/internal/pkg/status"
	"github.com/qs3c/archmind/internal/repository"
)

var ErrAnalysisInProgress = errors.New("an analysis is already in progress, try again later")

// StepQueued 已受理、等待 worker 取走
const StepQueued = "queued"

// AbandonedMessage 处理中状态长时间未刷新时写入的错误信息
const AbandonedMessage = "analysis abandoned: the worker stopped reporting progress"

// JobQueue 分析任务队列
type JobQueue interface {
	Push(ctx context.Context, msg *queue.JobMessage) error
}

// AnalysisService 分析请求的受理与状态查询
type AnalysisService struct {
	logRepo    *repository.AnalysisLogRepository
	quota      *QuotaService
	status     status.Store
	queue      JobQueue
	staleAfter time.Duration

	// mu 串行化受理，保证同一时刻只有一个 processing
	mu  sync.Mutex
	now func() time.Time
}

func NewAnalysisService(
	logRepo *repository.AnalysisLogRepository,
	quota *QuotaService,
	store status.Store,
	jobQueue JobQueue,
	cfg *config.AnalysisConfig,
) *AnalysisService {
	return &AnalysisService{
		logRepo:    logRepo,
		quota:      quota,
		status:     store,
		queue:      jobQueue,
		staleAfter: cfg.StaleAfter(),
		now:        time.Now,
	}
}

// SetClock 测试用
func (s *AnalysisService) SetClock(now func() time.Time) {
	s.now = now
}

// Start 受理一次分析：校验地址、单任务检查、配额检查、记录日志、占用状态槽并入队
func (s *AnalysisService) Start(ctx context.Context, userID int64, sessionID, repoURL string) (*dto.AnalyzeResponse, error) {
	if err := repourl.Validate(repoURL); err != nil {
		return nil, err
	}
	repoURL = repourl.Normalize(repoURL)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.currentStatus(ctx)
	if err != nil {
		return nil, err
	}
	if current.State == model.StateProcessing {
		return nil, ErrAnalysisInProgress
	}

	allowed, err := s.quota.CheckAndMaybeReject(userID, sessionID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrQuotaExceeded
	}

	entry := &model.AnalysisLog{
		RepoURL: repoURL,
		Status:  model.LogPending,
	}
	if userID > 0 {
		entry.UserID = &userID
	} else {
		entry.SessionID = sessionID
	}
	if err := s.logRepo.Create(entry); err != nil {
		return nil, fmt.Errorf("failed to record analysis: %w", err)
	}

	claim := &model.AnalysisStatus{
		LogID:     entry.ID,
		State:     model.StateProcessing,
		Step:      StepQueued,
		RepoURL:   repoURL,
		Timestamp: s.now().Unix(),
	}
	if err := s.status.Write(ctx, claim); err != nil {
		s.failLog(entry.ID, "failed to write status")
		return nil, fmt.Errorf("failed to write status: %w", err)
	}

	msg := &queue.JobMessage{
		LogID:     entry.ID,
		UserID:    userID,
		SessionID: sessionID,
		RepoURL:   repoURL,
	}
	if err := s.queue.Push(ctx, msg); err != nil {
		errMsg := "Failed to start analysis: the job queue is unavailable"
		if werr := s.status.Write(ctx, &model.AnalysisStatus{
			LogID:     entry.ID,
			State:     model.StateError,
			RepoURL:   repoURL,
			Error:     &errMsg,
			Timestamp: s.now().Unix(),
		}); werr != nil {
			log.Printf("Analysis: failed to write error status for log %d: %v", entry.ID, werr)
		}
		s.failLog(entry.ID, errMsg)
		return nil, fmt.Errorf("failed to enqueue analysis: %w", err)
	}

	log.Printf("Analysis: log %d queued for %s", entry.ID, repoURL)
	return &dto.AnalyzeResponse{
		LogID:   entry.ID,
		Status:  model.StateProcessing,
		Message: "Analysis started",
	}, nil
}

// GetStatus 读取当前状态，过期的 processing 会被改写为 error
func (s *AnalysisService) GetStatus(ctx context.Context) (*model.AnalysisStatus, error) {
	return s.currentStatus(ctx)
}

// ReapStale 定时任务调用，返回是否改写了状态
func (s *AnalysisService) ReapStale(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.status.Read(ctx)
	if err != nil {
		return false, err
	}
	if !status.IsStale(current, s.now(), s.staleAfter) {
		return false, nil
	}
	if _, err := s.abandon(ctx, current); err != nil {
		return false, err
	}
	return true, nil
}

// ResetStatus 运维手动把状态重置为 idle
func (s *AnalysisService) ResetStatus(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status.Write(ctx, &model.AnalysisStatus{
		State:     model.StateIdle,
		Timestamp: s.now().Unix(),
	})
}

func (s *AnalysisService) currentStatus(ctx context.Context) (*model.AnalysisStatus, error) {
	current, err := s.status.Read(ctx)
	if err != nil {
		return nil, err
	}
	if status.IsStale(current, s.now(), s.staleAfter) {
		return s.abandon(ctx, current)
	}
	return current, nil
}

func (s *AnalysisService) abandon(ctx context.Context, current *model.AnalysisStatus) (*model.AnalysisStatus, error) {
	errMsg := AbandonedMessage
	// 保留 LogID，被误判的运行在新受理之前仍可写回自己的结果
	next := &model.AnalysisStatus{
		LogID:     current.LogID,
		State:     model.StateError,
		RepoURL:   current.RepoURL,
		Error:     &errMsg,
		Timestamp: s.now().Unix(),
	}
	if err := s.status.Write(ctx, next); err != nil {
		return nil, err
	}
	log.Printf("Analysis: stale run for %s marked as abandoned", current.RepoURL)
	return next, nil
}

func (s *AnalysisService) failLog(id int64, errMsg string) {
	if err := s.logRepo.UpdateStatus(id, model.LogFailed, errMsg); err != nil {
		log.Printf("Analysis: failed to update log %d: %v", id, err)
	}
}
