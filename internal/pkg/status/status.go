// Package status 保存当前分析任务的单槽状态，供轮询方读取
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/model"
)

// Store 状态存储，Write 整体替换，Read 从未写入时返回 idle
// WriteOwned 仅在当前槽无主或属于 s.LogID 时写入，返回是否写入
type Store interface {
	Read(ctx context.Context) (*model.AnalysisStatus, error)
	Write(ctx context.Context, s *model.AnalysisStatus) error
	WriteOwned(ctx context.Context, s *model.AnalysisStatus) (bool, error)
}

// New 按配置选择存储后端
func New(cfg *config.StatusConfig, rdb *redis.Client) (Store, error) {
	switch cfg.Backend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis status backend requires a redis client")
		}
		return NewRedisStore(rdb, cfg.RedisKey), nil
	case "", "file":
		return NewFileStore(cfg.FilePath), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown status backend %q", cfg.Backend)
	}
}

// IsStale 处理中且超过 staleAfter 未刷新
func IsStale(s *model.AnalysisStatus, now time.Time, staleAfter time.Duration) bool {
	if s == nil || s.State != model.StateProcessing || staleAfter <= 0 {
		return false
	}
	return now.Sub(time.Unix(s.Timestamp, 0)) > staleAfter
}

func prepare(s *model.AnalysisStatus) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().Unix()
	}
	return json.Marshal(s)
}

// ownedBy 无法解析的旧内容按无主处理
func ownedBy(data []byte, logID int64) bool {
	if data == nil {
		return true
	}
	current, err := decode(data)
	if err != nil {
		return true
	}
	return current.OwnedBy(logID)
}

func decode(data []byte) (*model.AnalysisStatus, error) {
	var s model.AnalysisStatus
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// FileStore 以 JSON 文件保存状态，写临时文件后 rename，读方不会看到半截内容
type FileStore struct {
	path string
	mu   sync.RWMutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Read(ctx context.Context) (*model.AnalysisStatus, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.IdleStatus(), nil
		}
		return nil, fmt.Errorf("read status: %w", err)
	}

	s, err := decode(data)
	if err != nil {
		log.Printf("Status: ignoring unreadable status file %s: %v", f.path, err)
		return model.IdleStatus(), nil
	}
	return s, nil
}

func (f *FileStore) Write(ctx context.Context, s *model.AnalysisStatus) error {
	data, err := prepare(s)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(data)
}

func (f *FileStore) WriteOwned(ctx context.Context, s *model.AnalysisStatus) (bool, error) {
	data, err := prepare(s)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("read status: %w", err)
	}
	if !ownedBy(current, s.LogID) {
		return false, nil
	}
	if err := f.writeLocked(data); err != nil {
		return false, err
	}
	return true, nil
}

func (f *FileStore) writeLocked(data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create status temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write status temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close status temp: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename status: %w", err)
	}
	return nil
}

// RedisStore 状态保存为一个 redis 字符串，SET 本身是原子的
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Read(ctx context.Context) (*model.AnalysisStatus, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return model.IdleStatus(), nil
		}
		return nil, fmt.Errorf("read status: %w", err)
	}

	s, err := decode(data)
	if err != nil {
		log.Printf("Status: ignoring unreadable status key %s: %v", r.key, err)
		return model.IdleStatus(), nil
	}
	return s, nil
}

func (r *RedisStore) Write(ctx context.Context, s *model.AnalysisStatus) error {
	data, err := prepare(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, data, 0).Err()
}

// WriteOwned WATCH 状态键，期间被其他写入方修改时事务失败并重试
func (r *RedisStore) WriteOwned(ctx context.Context, s *model.AnalysisStatus) (bool, error) {
	data, err := prepare(s)
	if err != nil {
		return false, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		written := false
		err = r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, r.key).Bytes()
			if err != nil && err != redis.Nil {
				return err
			}
			if !ownedBy(current, s.LogID) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, r.key, data, 0)
				return nil
			})
			if err == nil {
				written = true
			}
			return err
		}, r.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("write status: %w", err)
		}
		return written, nil
	}
	return false, fmt.Errorf("write status: %w", err)
}

// MemoryStore 进程内存储，单进程部署与测试使用
type MemoryStore struct {
	mu      sync.RWMutex
	current []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Read(ctx context.Context) (*model.AnalysisStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return model.IdleStatus(), nil
	}
	return decode(m.current)
}

func (m *MemoryStore) Write(ctx context.Context, s *model.AnalysisStatus) error {
	data, err := prepare(s)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.current = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) WriteOwned(ctx context.Context, s *model.AnalysisStatus) (bool, error) {
	data, err := prepare(s)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !ownedBy(m.current, s.LogID) {
		return false, nil
	}
	m.current = data
	return true, nil
}
