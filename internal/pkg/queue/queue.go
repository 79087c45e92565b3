package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrMalformedJob 队列中的负载无法解码，原始内容已转入死信列表
var ErrMalformedJob = errors.New("malformed job payload")

const deadLetterSuffix = ":dead"

// Queue 分析任务队列。LPUSH 入队、BRPOP 出队，整体先进先出
type Queue struct {
	client *redis.Client
	name   string
}

// JobMessage 一次被受理的分析请求；UserID 为 0 表示匿名会话
type JobMessage struct {
	LogID      int64     `json:"log_id"`
	UserID     int64     `json:"user_id"`
	SessionID  string    `json:"session_id,omitempty"`
	RepoURL    string    `json:"repo_url"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewQueue(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name}
}

// Name 队列的 redis key
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) deadLetterKey() string {
	return q.name + deadLetterSuffix
}

// Push 入队，未设置 EnqueuedAt 时补上当前时间
func (q *Queue) Push(ctx context.Context, msg *JobMessage) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode job %d: %w", msg.LogID, err)
	}
	if err := q.client.LPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("push to %s: %w", q.name, err)
	}
	return nil
}

// Pop 阻塞等待一个任务；超时返回 (nil, nil)。
// 解码失败的负载写入死信列表并返回 ErrMalformedJob
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*JobMessage, error) {
	result, err := q.client.BRPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop from %s: %w", q.name, err)
	}
	// BRPOP 返回 [key, value]
	if len(result) < 2 {
		return nil, nil
	}

	var msg JobMessage
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		if dlErr := q.client.LPush(ctx, q.deadLetterKey(), result[1]).Err(); dlErr != nil {
			return nil, fmt.Errorf("%w: %v (dead letter write failed: %v)", ErrMalformedJob, err, dlErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	return &msg, nil
}

// Length 待处理任务数
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

// DeadLength 死信数
func (q *Queue) DeadLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.deadLetterKey()).Result()
}
