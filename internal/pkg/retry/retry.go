package retry

import (
	"context"
	"errors"
	"time"
)

// Config 指数退避重试配置，MaxAttempts 包含首次调用
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultConfig 外部模型调用的默认退避
func DefaultConfig(maxAttempts int) Config {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return Config{
		MaxAttempts: maxAttempts,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
	}
}

// permanentError 包装后的错误不再重试
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent 标记错误为不可重试，例如 4xx 响应
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do 执行 fn，失败时按指数退避重试；context 取消或遇到 Permanent 错误立即返回
func Do[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := cfg.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
			if cfg.Multiplier > 0 {
				backoff = time.Duration(float64(backoff) * cfg.Multiplier)
			}
			if cfg.MaxDelay > 0 && backoff > cfg.MaxDelay {
				backoff = cfg.MaxDelay
			}
		}
	}

	return zero, lastErr
}
