package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/qs3c/archmind/internal/model"
	"github.com/qs3c/archmind/internal/repository"
)

// Uploader 远端归档（OSS）
type Uploader interface {
	UploadArchiveWithRetry(ctx context.Context, logID int64, data []byte) (string, error)
}

// ArchiveStore 先传 OSS，失败或未配置时落本地，等待 Reuploader 补传
type ArchiveStore struct {
	uploader Uploader
	localDir string
}

// NewArchiveStore uploader 可为 nil
func NewArchiveStore(uploader Uploader, localDir string) *ArchiveStore {
	return &ArchiveStore{uploader: uploader, localDir: localDir}
}

// Save 返回归档地址；本地归档以 local:// 开头
func (a *ArchiveStore) Save(ctx context.Context, logID int64, result *model.AnalysisResult) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal archive: %w", err)
	}

	if a.uploader != nil {
		url, err := a.uploader.UploadArchiveWithRetry(ctx, logID, data)
		if err == nil {
			return url, nil
		}
		log.Printf("Job %d: archive upload failed, keeping a local copy: %v", logID, err)
	}

	if a.localDir == "" {
		return "", nil
	}
	if err := writeFileAtomic(LocalArchivePath(a.localDir, logID), data); err != nil {
		return "", err
	}
	return LocalArchiveURL(logID), nil
}

// LocalArchivePath 本地归档文件路径
func LocalArchivePath(dir string, logID int64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.json", logID))
}

func LocalArchiveURL(logID int64) string {
	return repository.LocalArchivePrefix + strconv.FormatInt(logID, 10)
}

// ParseLocalArchiveURL 解析 local://{id}
func ParseLocalArchiveURL(url string) (int64, bool) {
	if !strings.HasPrefix(url, repository.LocalArchivePrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(url, repository.LocalArchivePrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// writeFileAtomic 写临时文件后 rename
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create archive temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}
