package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/pkg/repourl"
)

// CloneFailedMessage 克隆失败时用户可见信息的统一前缀
const CloneFailedMessage = "Failed to clone repository"

// ClonePrefix 克隆目录名前缀，清理任务只处理带此前缀的目录
const ClonePrefix = "analysis_"

// NewCloneDirName 前缀加 ULID，目录名自带创建时间
func NewCloneDirName(at time.Time) string {
	return ClonePrefix + ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
}

// cloneCreatedAt 从目录名解析创建时间，旧格式目录退回到修改时间
func cloneCreatedAt(name string, modTime time.Time) time.Time {
	id, err := ulid.ParseStrict(strings.TrimPrefix(name, ClonePrefix))
	if err != nil {
		return modTime
	}
	return ulid.Time(id.Time())
}

// CloneError 克隆错误，包含用户可见消息和原始错误
type CloneError struct {
	UserMessage string
	RawError    error
	transient   bool
}

func (e *CloneError) Error() string {
	return e.UserMessage
}

func (e *CloneError) Unwrap() error {
	return e.RawError
}

func newCloneError(reason string, raw error, transient bool) *CloneError {
	return &CloneError{
		UserMessage: CloneFailedMessage + ": " + reason,
		RawError:    raw,
		transient:   transient,
	}
}

// classifyCloneError 根据 git 输出分类错误
func classifyCloneError(output string, err error) *CloneError {
	lower := strings.ToLower(output + " " + err.Error())
	raw := fmt.Errorf("%w, output: %s", err, output)

	switch {
	case strings.Contains(lower, "repository not found") ||
		strings.Contains(lower, "not found"):
		return newCloneError("repository not found or not accessible", raw, false)
	case strings.Contains(lower, "could not resolve host") ||
		strings.Contains(lower, "unable to access"):
		return newCloneError("could not reach the git host, try again later", raw, true)
	case strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "403") ||
		strings.Contains(lower, "permission denied"):
		return newCloneError("access denied, make sure the repository is public", raw, false)
	case strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "timed out"):
		return newCloneError("timed out, the repository may be too large", raw, true)
	case strings.Contains(lower, "empty repository"):
		return newCloneError("the repository is empty", raw, false)
	default:
		return newCloneError("check the url and try again", raw, true)
	}
}

// isTransient 仓库不存在、权限拒绝、仓库为空不值得重试
func isTransient(ce *CloneError) bool {
	return ce.transient
}

// CloneRepo 浅克隆仓库到指定目录，支持超时控制
func CloneRepo(ctx context.Context, repoURL, destDir string, timeoutSeconds int) *CloneError {
	if _, err := os.Stat(destDir); err == nil {
		if err := os.RemoveAll(destDir); err != nil {
			return newCloneError("could not prepare the work directory", fmt.Errorf("failed to clean existing directory: %w", err), false)
		}
	}

	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return newCloneError("could not prepare the work directory", fmt.Errorf("failed to create parent directory: %w", err), false)
	}

	if timeoutSeconds <= 0 {
		timeoutSeconds = 120
	}
	cloneCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cloneCtx, "git", "clone", "--depth", "1", repoURL, destDir)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	output, err := cmd.CombinedOutput()
	if err != nil {
		os.RemoveAll(destDir)
		return classifyCloneError(string(output), err)
	}

	return nil
}

// CloneRepoWithRetry 带重试的克隆，指数退避，非暂时性错误不重试
func CloneRepoWithRetry(ctx context.Context, repoURL, destDir string, timeoutSeconds, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = 2
	}

	var lastErr *CloneError
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			log.Printf("Clone retry %d/%d after %v for %s", attempt, maxRetries, backoff, repoURL)
			select {
			case <-ctx.Done():
				return newCloneError("cancelled", ctx.Err(), false)
			case <-time.After(backoff):
			}
		}

		lastErr = CloneRepo(ctx, repoURL, destDir, timeoutSeconds)
		if lastErr == nil {
			return nil
		}

		log.Printf("Clone attempt %d failed: %v", attempt+1, lastErr.RawError)

		if !isTransient(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// CleanupRepo 删除 root 下的克隆目录，拒绝删除 root 之外或 root 本身
func CleanupRepo(root, dir string) error {
	if dir == "" {
		return nil
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	rel, err := filepath.Rel(absRoot, absDir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to delete directory outside clone root: %s", absDir)
	}

	return os.RemoveAll(absDir)
}

// CleanExpiredClones 删除 root 下超过 maxAge 的克隆目录，dryRun 时只返回列表
func CleanExpiredClones(root string, maxAge time.Duration, now time.Time, dryRun bool) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var removed []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), ClonePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(cloneCreatedAt(e.Name(), info.ModTime())) < maxAge {
			continue
		}

		dir := filepath.Join(root, e.Name())
		if !dryRun {
			if err := CleanupRepo(root, dir); err != nil {
				log.Printf("Cleanup: failed to remove %s: %v", dir, err)
				continue
			}
		}
		removed = append(removed, dir)
	}
	return removed, nil
}

// GitSource 通过 git 浅克隆获取仓库文件
type GitSource struct {
	root           string
	timeoutSeconds int
	retries        int
	maxFileBytes   int64
}

func NewGitSource(cfg *config.AnalysisConfig) *GitSource {
	return &GitSource{
		root:           cfg.CloneDir,
		timeoutSeconds: cfg.CloneTimeoutSeconds,
		retries:        cfg.CloneRetries,
		maxFileBytes:   cfg.MaxFileBytes,
	}
}

// Materialize 克隆到 root 下的独立目录，返回本地路径
func (g *GitSource) Materialize(ctx context.Context, locator string) (string, error) {
	if err := repourl.Validate(locator); err != nil {
		return "", newCloneError("invalid repository url", err, false)
	}

	if err := os.MkdirAll(g.root, 0755); err != nil {
		return "", newCloneError("could not prepare the work directory", err, false)
	}
	dir := filepath.Join(g.root, NewCloneDirName(time.Now()))
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", newCloneError("could not prepare the work directory", err, false)
	}

	if err := CloneRepoWithRetry(ctx, locator, dir, g.timeoutSeconds, g.retries); err != nil {
		_ = CleanupRepo(g.root, dir)
		return "", err
	}
	return dir, nil
}

// ListFiles 读取符合扩展名白名单的文件
func (g *GitSource) ListFiles(handle string, allowExt, ignoreDirs []string) (map[string]string, error) {
	return ListFiles(handle, allowExt, ignoreDirs, g.maxFileBytes)
}

// Release 删除克隆目录
func (g *GitSource) Release(handle string) {
	if err := CleanupRepo(g.root, handle); err != nil {
		log.Printf("Clone: failed to clean up %s: %v", handle, err)
	}
}
