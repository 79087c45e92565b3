package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/philippgille/chromem-go"

	"github.com/qs3c/archmind/internal/pkg/metrics"
	"github.com/qs3c/archmind/internal/pkg/retry"
)

const defaultCacheSize = 4096

// CachedEmbedder 按内容哈希缓存向量，未命中时带退避调用底层 embedding
type CachedEmbedder struct {
	base  chromem.EmbeddingFunc
	cache *lru.Cache[string, []float32]
	retry retry.Config
}

func NewCachedEmbedder(base chromem.EmbeddingFunc, size int, rc retry.Config) *CachedEmbedder {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		cache, _ = lru.New[string, []float32](defaultCacheSize)
	}
	return &CachedEmbedder{base: base, cache: cache, retry: rc}
}

// Embed 签名与 chromem.EmbeddingFunc 一致
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := contentHash(text)
	if vec, ok := e.cache.Get(key); ok {
		metrics.RecordEmbeddingCache(true)
		return copyVector(vec), nil
	}
	metrics.RecordEmbeddingCache(false)

	vec, err := retry.Do(ctx, e.retry, func() ([]float32, error) {
		return e.base(ctx, text)
	})
	if err != nil {
		return nil, err
	}

	e.cache.Add(key, copyVector(vec))
	return vec, nil
}

// Func 作为 chromem 集合的 embedding 函数
func (e *CachedEmbedder) Func() chromem.EmbeddingFunc {
	return e.Embed
}

func (e *CachedEmbedder) Len() int {
	return e.cache.Len()
}

func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// 调用方可能改写返回的切片，缓存里只存副本
func copyVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
