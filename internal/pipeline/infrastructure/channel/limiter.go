package channel

import (
	"context"
	"time"

	"github.com/pricepilot/pricepilot/pkg/ratelimit"
)

// RateLimitedWaiter 基于 Redis 限流器的渠道节流：
// 外部平台的速率预算按店铺/账号共享，多 worker 实例必须走同一预算。
type RateLimitedWaiter struct {
	limiter ratelimit.RateLimiter
	limits  map[string]ratelimit.Limit
	// 未配置渠道的缺省限额
	defaultLimit ratelimit.Limit
}

// NewRateLimitedWaiter 创建渠道节流器，limits 的 key 形如 "channel:shopify"
func NewRateLimitedWaiter(limiter ratelimit.RateLimiter, limits map[string]ratelimit.Limit) *RateLimitedWaiter {
	return &RateLimitedWaiter{
		limiter:      limiter,
		limits:       limits,
		defaultLimit: ratelimit.Limit{Rate: 2, Period: time.Second, Burst: 2},
	}
}

// Wait 阻塞直到取得配额或 ctx 取消
func (w *RateLimitedWaiter) Wait(ctx context.Context, key string) error {
	limit, ok := w.limits[key]
	if !ok {
		limit = w.defaultLimit
	}
	for {
		res, err := w.limiter.Allow(ctx, key, limit)
		if err != nil {
			return err
		}
		if res.Allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(res.RetryAfter):
		}
	}
}
