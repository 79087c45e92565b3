package service

import (
	"context"
	"errors"
	"log"
	"sync"

	"gorm.io/gorm"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/model"
	"github.com/qs3c/archmind/internal/model/dto"
	"github.com/qs3c/archmind/internal/pkg/cache"
	"github.com/qs3c/archmind/internal/repository"
)

var ErrHistoryNotFound = errors.New("history entry not found")

// HistoryService 每用户容量受限的历史记录，列表走 redis 读缓存，写入后失效
type HistoryService struct {
	repo     *repository.HistoryRepository
	cache    *cache.HistoryCache
	capacity int
	locks    ownerLocks

	// beforeFill 测试用，在读库之后、回填缓存之前调用
	beforeFill func(userID int64)
}

// NewHistoryService historyCache 为 nil 时直接读库
func NewHistoryService(repo *repository.HistoryRepository, historyCache *cache.HistoryCache, cfg *config.HistoryConfig) *HistoryService {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 5
	}
	return &HistoryService{
		repo:     repo,
		cache:    historyCache,
		capacity: capacity,
	}
}

// Save 写入一次已完成分析的产物
func (s *HistoryService) Save(ctx context.Context, userID int64, result *model.AnalysisResult) error {
	if userID <= 0 || result == nil {
		return nil
	}

	unlock := s.locks.lock(userID)
	defer unlock()

	entry := &model.RepositoryHistory{
		UserID:        userID,
		RepoURL:       result.RepoURL,
		RepoName:      result.RepoName,
		Documentation: result.Documentation,
		HLDGraph:      result.HLDGraph,
		LLDGraph:      result.LLDGraph,
		ChatSummary:   result.ChatSummary,
	}
	if err := s.repo.Upsert(entry, s.capacity); err != nil {
		return err
	}

	s.invalidate(ctx, userID)
	return nil
}

// GetHistory 先读缓存，未命中时读库并按代数回填；缓存不可用时只读库
func (s *HistoryService) GetHistory(ctx context.Context, userID int64) ([]dto.HistoryItem, error) {
	var gen int64
	fill := false
	if s.cache != nil {
		items, hit, err := s.cache.Get(ctx, userID)
		switch {
		case err != nil:
			log.Printf("History: cache read failed for user %d, falling back to database: %v", userID, err)
		case hit:
			return items, nil
		default:
			if gen, err = s.cache.Generation(ctx, userID); err != nil {
				log.Printf("History: cache generation read failed for user %d: %v", userID, err)
			} else {
				fill = true
			}
		}
	}

	entries, err := s.repo.ListRecent(userID, s.capacity)
	if err != nil {
		return nil, err
	}

	items := make([]dto.HistoryItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, dto.NewHistoryItem(e))
	}

	if fill {
		if s.beforeFill != nil {
			s.beforeFill(userID)
		}
		if _, err := s.cache.Fill(ctx, userID, gen, items); err != nil {
			log.Printf("History: cache write failed for user %d: %v", userID, err)
		}
	}
	return items, nil
}

// GetDetails 不走缓存；不属于该用户的记录同样返回 ErrHistoryNotFound
func (s *HistoryService) GetDetails(ctx context.Context, userID, entryID int64) (*dto.HistoryDetail, error) {
	entry, err := s.repo.GetByOwnerAndID(userID, entryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHistoryNotFound
		}
		return nil, err
	}
	return dto.NewHistoryDetail(entry), nil
}

// DeleteAll 清空用户历史
func (s *HistoryService) DeleteAll(ctx context.Context, userID int64) (int64, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	deleted, err := s.repo.DeleteByOwner(userID)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, userID)
	return deleted, nil
}

func (s *HistoryService) invalidate(ctx context.Context, userID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		log.Printf("History: failed to invalidate cache for user %d: %v", userID, err)
	}
}

// ownerLocks 按用户加锁，不同用户互不阻塞
type ownerLocks struct {
	mu    sync.Mutex
	locks map[int64]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

func (o *ownerLocks) lock(userID int64) func() {
	o.mu.Lock()
	if o.locks == nil {
		o.locks = make(map[int64]*ownerLock)
	}
	l, ok := o.locks[userID]
	if !ok {
		l = &ownerLock{}
		o.locks[userID] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, userID)
		}
		o.mu.Unlock()
	}
}
