package worker

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/qs3c/archmind/internal/model"
)

const reuploadInterval = 5 * time.Minute

// reuploadBatch 每轮最多处理的记录数
const reuploadBatch = 50

// ArchiveLogStore Reuploader 需要的分析记录操作
type ArchiveLogStore interface {
	ListLocalArchives(limit int) ([]*model.AnalysisLog, error)
	SetArchiveURL(id int64, url string) error
}

// Reuploader 后台把本地归档补传到 OSS
type Reuploader struct {
	logs     ArchiveLogStore
	uploader Uploader
	localDir string
}

func NewReuploader(logs ArchiveLogStore, uploader Uploader, localDir string) *Reuploader {
	return &Reuploader{
		logs:     logs,
		uploader: uploader,
		localDir: localDir,
	}
}

// Start 启动后台重传循环
func (r *Reuploader) Start(ctx context.Context) {
	// 启动后先执行一次
	r.RunOnce(ctx)

	ticker := time.NewTicker(reuploadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Reuploader stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce 返回成功补传的数量
func (r *Reuploader) RunOnce(ctx context.Context) int {
	logs, err := r.logs.ListLocalArchives(reuploadBatch)
	if err != nil {
		log.Printf("Reuploader: failed to query local archives: %v", err)
		return 0
	}

	if len(logs) == 0 {
		return 0
	}

	log.Printf("Reuploader: found %d local archives to re-upload", len(logs))

	uploaded := 0
	for _, entry := range logs {
		localPath := LocalArchivePath(r.localDir, entry.ID)
		data, err := os.ReadFile(localPath)
		if err != nil {
			log.Printf("Reuploader: failed to read local archive %d: %v", entry.ID, err)
			continue
		}

		url, err := r.uploader.UploadArchiveWithRetry(ctx, entry.ID, data)
		if err != nil {
			log.Printf("Reuploader: failed to re-upload archive %d: %v", entry.ID, err)
			continue
		}

		if err := r.logs.SetArchiveURL(entry.ID, url); err != nil {
			log.Printf("Reuploader: failed to update DB for archive %d: %v", entry.ID, err)
			continue
		}

		os.Remove(localPath)
		uploaded++
		log.Printf("Reuploader: successfully re-uploaded archive %d to OSS", entry.ID)
	}
	return uploaded
}
