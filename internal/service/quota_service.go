package service

import (
	"errors"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/model/dto"
	"github.com/qs3c/archmind/internal/repository"
)

var (
	ErrQuotaExceeded  = errors.New("anonymous analysis limit reached, sign in to continue")
	ErrMissingSession = errors.New("anonymous requests require a session id")
)

// QuotaService 匿名会话的累计次数上限，登录用户不受限；计数永不重置
type QuotaService struct {
	logRepo *repository.AnalysisLogRepository
	cfg     *config.QuotaConfig
}

func NewQuotaService(logRepo *repository.AnalysisLogRepository, cfg *config.QuotaConfig) *QuotaService {
	return &QuotaService{
		logRepo: logRepo,
		cfg:     cfg,
	}
}

func (s *QuotaService) limit() int {
	if s.cfg.AnonymousLimit <= 0 {
		return 5
	}
	return s.cfg.AnonymousLimit
}

// CheckAndMaybeReject 是否允许再发起一次分析
func (s *QuotaService) CheckAndMaybeReject(userID int64, sessionID string) (bool, error) {
	if userID > 0 {
		return true, nil
	}
	if sessionID == "" {
		return false, ErrMissingSession
	}

	count, err := s.logRepo.CountBySession(sessionID)
	if err != nil {
		return false, err
	}
	return count < int64(s.limit()), nil
}

// GetLimitInfo 查询当前调用方的用量
func (s *QuotaService) GetLimitInfo(userID int64, sessionID string) (*dto.CheckLimitResponse, error) {
	if userID > 0 {
		count, err := s.logRepo.CountByUser(userID)
		if err != nil {
			return nil, err
		}
		return &dto.CheckLimitResponse{
			CanGenerate:   true,
			Count:         int(count),
			Limit:         -1,
			Authenticated: true,
		}, nil
	}

	var count int64
	if sessionID != "" {
		var err error
		count, err = s.logRepo.CountBySession(sessionID)
		if err != nil {
			return nil, err
		}
	}

	return &dto.CheckLimitResponse{
		CanGenerate: sessionID == "" || count < int64(s.limit()),
		Count:       int(count),
		Limit:       s.limit(),
	}, nil
}
