// Package vectorstore 以 chromem-go 为后端，每个仓库一个集合
package vectorstore

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/pkg/retry"
)

const (
	metaPath  = "path"
	metaFiles = "files"

	// completeSuffix 完成标记集合的后缀，索引全部写完后才创建
	completeSuffix = "#complete"
)

func completeMarker(key string) string {
	return key + completeSuffix
}

// Store 仓库向量索引
type Store struct {
	mu    sync.RWMutex
	db    *chromem.DB
	embed chromem.EmbeddingFunc

	// 只读进程（server 不内嵌 worker 时）在集合缺失时重新加载磁盘内容
	path          string
	compress      bool
	refreshOnMiss bool
}

// New 按配置打开持久化向量库并选择 embedding 提供方
func New(cfg *config.VectorConfig) (*Store, error) {
	var base chromem.EmbeddingFunc
	switch cfg.EmbeddingProvider {
	case "", "ollama":
		base = chromem.NewEmbeddingFuncOllama(cfg.EmbeddingModel, cfg.BaseURL)
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embedding requires vector.api_key")
		}
		base = chromem.NewEmbeddingFuncOpenAI(cfg.APIKey, chromem.EmbeddingModelOpenAI(cfg.EmbeddingModel))
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.DBPath == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.DBPath, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open vector db: %w", err)
		}
	}

	embedder := NewCachedEmbedder(base, cfg.CacheSize, retry.DefaultConfig(cfg.MaxRetries))
	store := NewWithDB(db, embedder.Func())
	store.path = cfg.DBPath
	store.compress = cfg.Compress
	return store, nil
}

// SetRefreshOnMiss 开启后读取不到集合时从磁盘重新加载，用于看到其他进程写入的索引
func (s *Store) SetRefreshOnMiss(enabled bool) {
	s.refreshOnMiss = enabled && s.path != ""
}

func (s *Store) collection(key string) *chromem.Collection {
	s.mu.RLock()
	col := s.db.GetCollection(key, s.embed)
	s.mu.RUnlock()
	if col != nil || !s.refreshOnMiss {
		return col
	}

	db, err := chromem.NewPersistentDB(s.path, s.compress)
	if err != nil {
		log.Printf("Vector: failed to reload %s: %v", s.path, err)
		return nil
	}
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	return db.GetCollection(key, s.embed)
}

// NewWithDB 使用已有的 DB 与 embedding 函数
func NewWithDB(db *chromem.DB, embed chromem.EmbeddingFunc) *Store {
	return &Store{db: db, embed: embed}
}

// Exists 集合有文档且带完成标记；中途中断的索引不算存在
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	col := s.collection(key)
	if col == nil || col.Count() == 0 {
		return false, nil
	}
	return s.collection(completeMarker(key)) != nil, nil
}

// EmbedAndStore 逐个文件写入索引，单个文件失败只记日志并跳过，返回成功写入的数量
func (s *Store) EmbedAndStore(ctx context.Context, key string, files map[string]string) (int, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	if err := db.DeleteCollection(completeMarker(key)); err != nil {
		return 0, fmt.Errorf("reset index marker %s: %w", key, err)
	}
	col, err := db.GetOrCreateCollection(key, nil, s.embed)
	if err != nil {
		return 0, fmt.Errorf("open collection %s: %w", key, err)
	}

	// 取消或 panic 时删除写了一半的集合
	complete := false
	defer func() {
		if complete {
			return
		}
		if err := db.DeleteCollection(key); err != nil {
			log.Printf("Vector: failed to drop partial index %s: %v", key, err)
		}
	}()

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	stored := 0
	for _, p := range paths {
		content := files[p]
		if strings.TrimSpace(content) == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stored, err
		}

		doc := chromem.Document{
			ID:       p,
			Content:  content,
			Metadata: map[string]string{metaPath: p},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			log.Printf("Vector: skip %s in %s: %v", p, key, err)
			continue
		}
		stored++
	}

	if stored > 0 {
		meta := map[string]string{metaFiles: strconv.Itoa(stored)}
		if _, err := db.GetOrCreateCollection(completeMarker(key), meta, s.embed); err != nil {
			return stored, fmt.Errorf("mark index %s complete: %w", key, err)
		}
	}
	complete = true

	log.Printf("Vector: stored %d/%d files in %s", stored, len(paths), key)
	return stored, nil
}

// QuerySimilar 取最相似的 k 个文件，按 `--- File: path ---` 拼成上下文；没有结果时返回空串
func (s *Store) QuerySimilar(ctx context.Context, key, query string, k int) (string, error) {
	col := s.collection(key)
	if col == nil {
		return "", nil
	}

	n := k
	if count := col.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return "", nil
	}

	results, err := col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", key, err)
	}

	var b strings.Builder
	for _, r := range results {
		path := r.Metadata[metaPath]
		if path == "" {
			path = r.ID
		}
		fmt.Fprintf(&b, "--- File: %s ---\n\n%s\n\n", path, r.Content)
	}
	return b.String(), nil
}

// Delete 删除仓库索引及其完成标记
func (s *Store) Delete(key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.db.DeleteCollection(completeMarker(key)); err != nil {
		return err
	}
	return s.db.DeleteCollection(key)
}
