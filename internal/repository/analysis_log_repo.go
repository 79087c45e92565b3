package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/archmind/internal/model"
)

// LocalArchivePrefix OSS 不可用时归档写本地，archive_url 以此为前缀，等待补传
const LocalArchivePrefix = "local://"

type AnalysisLogRepository struct {
	db *gorm.DB
}

func NewAnalysisLogRepository(db *gorm.DB) *AnalysisLogRepository {
	return &AnalysisLogRepository{db: db}
}

func (r *AnalysisLogRepository) Create(log *model.AnalysisLog) error {
	return r.db.Create(log).Error
}

func (r *AnalysisLogRepository) GetByID(id int64) (*model.AnalysisLog, error) {
	var log model.AnalysisLog
	err := r.db.Where("id = ?", id).First(&log).Error
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// UpdateStatus 更新状态，进入 completed/failed 时记录完成时间
func (r *AnalysisLogRepository) UpdateStatus(id int64, status, errMsg string) error {
	fields := map[string]interface{}{
		"status":        status,
		"error_message": errMsg,
	}
	if status == model.LogCompleted || status == model.LogFailed {
		fields["completed_at"] = time.Now().UTC()
	}
	return r.db.Model(&model.AnalysisLog{}).Where("id = ?", id).Updates(fields).Error
}

func (r *AnalysisLogRepository) SetArchiveURL(id int64, url string) error {
	return r.db.Model(&model.AnalysisLog{}).Where("id = ?", id).Update("archive_url", url).Error
}

// CountBySession 匿名会话累计提交次数，只增不减
func (r *AnalysisLogRepository) CountBySession(sessionID string) (int64, error) {
	var count int64
	err := r.db.Model(&model.AnalysisLog{}).
		Where("session_id = ? AND user_id IS NULL", sessionID).
		Count(&count).Error
	return count, err
}

func (r *AnalysisLogRepository) CountByUser(userID int64) (int64, error) {
	var count int64
	err := r.db.Model(&model.AnalysisLog{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

// ListLocalArchives 获取归档仍在本地的已完成记录
func (r *AnalysisLogRepository) ListLocalArchives(limit int) ([]*model.AnalysisLog, error) {
	var logs []*model.AnalysisLog
	err := r.db.Where("status = ? AND archive_url LIKE ?", model.LogCompleted, LocalArchivePrefix+"%").
		Order("completed_at ASC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// ListArchivesByUser 用户名下所有带归档的记录
func (r *AnalysisLogRepository) ListArchivesByUser(userID int64) ([]*model.AnalysisLog, error) {
	var logs []*model.AnalysisLog
	err := r.db.Where("user_id = ? AND archive_url <> ''", userID).Order("id ASC").Find(&logs).Error
	return logs, err
}

// ListStuck 获取长时间停留在 pending/processing 的记录
func (r *AnalysisLogRepository) ListStuck(before time.Time) ([]*model.AnalysisLog, error) {
	var logs []*model.AnalysisLog
	err := r.db.Where("status IN ? AND created_at < ?", []string{model.LogPending, model.LogProcessing}, before.UTC()).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}
