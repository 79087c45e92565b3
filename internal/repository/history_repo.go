package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/archmind/internal/model"
)

// HistoryRepository 每个用户最近分析过的仓库，按 last_accessed 淘汰
type HistoryRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db, now: time.Now}
}

// SetClock 替换时间来源，测试用
func (r *HistoryRepository) SetClock(now func() time.Time) {
	r.now = now
}

// Upsert 按 (user_id, repo_url) 写入历史
// 已存在则原地覆盖产物并刷新 last_accessed，id 与 created_at 不变；
// 不存在时若用户已达容量，先删除 last_accessed 最早的记录（相同时取 id 最小）再插入
func (r *HistoryRepository) Upsert(entry *model.RepositoryHistory, capacity int) error {
	now := r.now().UTC()

	return r.db.Transaction(func(tx *gorm.DB) error {
		var existing model.RepositoryHistory
		err := tx.Where("user_id = ? AND repo_url = ?", entry.UserID, entry.RepoURL).First(&existing).Error
		if err == nil {
			updates := map[string]interface{}{
				"repo_name":     entry.RepoName,
				"documentation": entry.Documentation,
				"hld_graph":     entry.HLDGraph,
				"lld_graph":     entry.LLDGraph,
				"chat_summary":  entry.ChatSummary,
				"last_accessed": now,
			}
			if err := tx.Model(&model.RepositoryHistory{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return err
			}
			entry.ID = existing.ID
			entry.CreatedAt = existing.CreatedAt
			entry.LastAccessed = now
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if capacity > 0 {
			var count int64
			if err := tx.Model(&model.RepositoryHistory{}).Where("user_id = ?", entry.UserID).Count(&count).Error; err != nil {
				return err
			}
			for ; count >= int64(capacity); count-- {
				var oldest model.RepositoryHistory
				if err := tx.Where("user_id = ?", entry.UserID).
					Order("last_accessed ASC").
					Order("id ASC").
					First(&oldest).Error; err != nil {
					return err
				}
				if err := tx.Delete(&model.RepositoryHistory{}, oldest.ID).Error; err != nil {
					return err
				}
			}
		}

		entry.ID = 0
		entry.LastAccessed = now
		entry.CreatedAt = now
		return tx.Create(entry).Error
	})
}

// ListRecent 按最近访问倒序取前 limit 条
func (r *HistoryRepository) ListRecent(userID int64, limit int) ([]*model.RepositoryHistory, error) {
	var entries []*model.RepositoryHistory
	query := r.db.Where("user_id = ?", userID).
		Order("last_accessed DESC").
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&entries).Error
	return entries, err
}

// GetByOwnerAndID 只返回属于该用户的记录，其他用户的记录视为不存在
func (r *HistoryRepository) GetByOwnerAndID(userID, id int64) (*model.RepositoryHistory, error) {
	var entry model.RepositoryHistory
	err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *HistoryRepository) CountByOwner(userID int64) (int64, error) {
	var count int64
	err := r.db.Model(&model.RepositoryHistory{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

// DeleteByOwner 删除用户的全部历史，返回删除条数
func (r *HistoryRepository) DeleteByOwner(userID int64) (int64, error) {
	result := r.db.Where("user_id = ?", userID).Delete(&model.RepositoryHistory{})
	return result.RowsAffected, result.Error
}
