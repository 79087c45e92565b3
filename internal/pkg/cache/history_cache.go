// Package cache 历史列表的 redis 读缓存，只存列表投影，写入后整体失效
//
// 每个用户另有一个代数键，Invalidate 时递增；读库回填只在代数未变时写入，
// 避免回填把失效前读到的旧列表写回去
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/qs3c/archmind/internal/model/dto"
)

const (
	historyKeyPattern    = "user:%d:history"
	generationKeyPattern = "user:%d:history:gen"
)

type HistoryCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewHistoryCache(client *redis.Client, ttl time.Duration) *HistoryCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &HistoryCache{client: client, ttl: ttl}
}

func HistoryKey(userID int64) string {
	return fmt.Sprintf(historyKeyPattern, userID)
}

func GenerationKey(userID int64) string {
	return fmt.Sprintf(generationKeyPattern, userID)
}

// Get 返回 (列表, 是否命中, 错误)；缓存内容无法解析时按未命中处理
func (c *HistoryCache) Get(ctx context.Context, userID int64) ([]dto.HistoryItem, bool, error) {
	data, err := c.client.Get(ctx, HistoryKey(userID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}

	var items []dto.HistoryItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, false, nil
	}
	return items, true, nil
}

func (c *HistoryCache) Set(ctx context.Context, userID int64, items []dto.HistoryItem) error {
	data, err := encodeItems(items)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, HistoryKey(userID), data, c.ttl).Err()
}

// Generation 读库前取当前代数，从未失效过为 0
func (c *HistoryCache) Generation(ctx context.Context, userID int64) (int64, error) {
	gen, err := c.client.Get(ctx, GenerationKey(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return gen, err
}

// Fill 代数仍为 gen 时写入列表，返回是否写入；期间发生 Invalidate 则放弃
func (c *HistoryCache) Fill(ctx context.Context, userID, gen int64, items []dto.HistoryItem) (bool, error) {
	data, err := encodeItems(items)
	if err != nil {
		return false, err
	}

	genKey := GenerationKey(userID)
	written := false
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, HistoryKey(userID), data, c.ttl)
			return nil
		})
		if err == nil {
			written = true
		}
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return written, err
}

// Invalidate 递增代数并删除列表
func (c *HistoryCache) Invalidate(ctx context.Context, userID int64) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, GenerationKey(userID))
		pipe.Del(ctx, HistoryKey(userID))
		return nil
	})
	return err
}

func encodeItems(items []dto.HistoryItem) ([]byte, error) {
	if items == nil {
		items = []dto.HistoryItem{}
	}
	return json.Marshal(items)
}
