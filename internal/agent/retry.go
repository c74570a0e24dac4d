package agent

import (
	"context"
	"math"
	"math/rand"
	"time"

	"kalshi-arb/internal/config"
)

// Retry 以指数退避重试单次外呼，与代理级熔断退避相互独立。
//
// 共尝试 max_retries+1 次；第 n 次失败后等待
// min(base * exponential_base^n, max_delay)，可选在 [0.5,1.0) 区间内
// 均匀抖动；全部耗尽后返回最后一次错误。
func Retry(ctx context.Context, cfg config.RetryConfig, fn func(ctx context.Context) error) error {
	base := cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	expBase := cfg.ExponentialBase
	if expBase < 1 {
		expBase = 2
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := time.Duration(float64(base) * math.Pow(expBase, float64(attempt)))
		if delay > maxDelay {
			delay = maxDelay
		}
		if cfg.Jitter {
			delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
		}

		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// sleepCtx 可被取消地休眠。
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
