package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/qs3c/archmind/internal/model"
	"github.com/qs3c/archmind/internal/pkg/repourl"
	"github.com/qs3c/archmind/internal/worker"
)

// IndexDeleter 向量库删除能力
type IndexDeleter interface {
	Delete(key string) error
}

// cleanExpiredClones 返回（将要）删除的目录数与总大小
func cleanExpiredClones(root string, maxAge time.Duration, now time.Time, dryRun bool) (int, int64) {
	// 先 dry-run 一次拿到候选目录，删除前统计大小
	candidates, err := worker.CleanExpiredClones(root, maxAge, now, true)
	if err != nil {
		log.Printf("Failed to read clone dir: %v", err)
		return 0, 0
	}

	var totalSize int64
	for _, dir := range candidates {
		size := getDirSize(dir)
		totalSize += size
		log.Printf("  - %s (%s)", filepath.Base(dir), formatSize(size))
	}

	if dryRun || len(candidates) == 0 {
		return len(candidates), totalSize
	}

	removed, err := worker.CleanExpiredClones(root, maxAge, now, false)
	if err != nil {
		log.Printf("Failed to remove clone directories: %v", err)
	}
	return len(removed), totalSize
}

func purgeIndexFor(store IndexDeleter, repoURL string) error {
	if err := repourl.Validate(repoURL); err != nil {
		return err
	}
	key := repourl.IndexKey(repoURL)
	log.Printf("Deleting vector index %s", key)
	return store.Delete(key)
}

// ArchiveRemover 删除 OSS 上的归档对象
type ArchiveRemover interface {
	ExtractObjectKey(url string) string
	Delete(objectKey string) error
}

// ArchiveLister 列出并更新用户的归档记录
type ArchiveLister interface {
	ListArchivesByUser(userID int64) ([]*model.AnalysisLog, error)
	SetArchiveURL(id int64, url string) error
}

// purgeUserArchives 删除用户所有归档（本地文件或 OSS 对象）并清空记录上的地址。
// remover 为 nil 时跳过远端归档
func purgeUserArchives(logs ArchiveLister, remover ArchiveRemover, archiveDir string, userID int64) (int, error) {
	entries, err := logs.ListArchivesByUser(userID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if logID, ok := worker.ParseLocalArchiveURL(entry.ArchiveURL); ok {
			if archiveDir != "" {
				err := os.Remove(worker.LocalArchivePath(archiveDir, logID))
				if err != nil && !os.IsNotExist(err) {
					log.Printf("Failed to remove local archive of log %d: %v", entry.ID, err)
					continue
				}
			}
		} else {
			if remover == nil {
				log.Printf("Skipping remote archive of log %d, OSS is not configured", entry.ID)
				continue
			}
			if err := remover.Delete(remover.ExtractObjectKey(entry.ArchiveURL)); err != nil {
				log.Printf("Failed to delete archive of log %d: %v", entry.ID, err)
				continue
			}
		}

		if err := logs.SetArchiveURL(entry.ID, ""); err != nil {
			log.Printf("Failed to clear archive url of log %d: %v", entry.ID, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// getDirSize 计算目录大小
func getDirSize(path string) int64 {
	var size int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

// formatSize 格式化文件大小
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatCount(what string, count int, size int64) string {
	if size == 0 {
		return fmt.Sprintf("%s: %d", what, count)
	}
	return fmt.Sprintf("%s: %d (%s)", what, count, formatSize(size))
}
