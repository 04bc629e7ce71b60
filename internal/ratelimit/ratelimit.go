package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/internal/pkg/cache"
	"relay/internal/pkg/id"
)

// ErrStoreUnavailable 限流存储不可用
// 放行还是拒绝由调用方按部署策略决定
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Result 单次限流判定结果
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime int64 // 窗口重置时间（Unix 秒）
}

// Limiter 滑动窗口限流器
// 每个 identifier 对应一个 Redis sorted set，成员分值为请求时刻（秒）
type Limiter struct {
	client      *redis.Client
	maxRequests int
	window      time.Duration

	now func() time.Time
}

// New 创建限流器
func New(client *redis.Client, maxRequests int, window time.Duration) *Limiter {
	return &Limiter{
		client:      client,
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// Check 判定 identifier 的本次请求是否放行
//
// 流水线顺序固定：清理过期成员 -> 统计存量 -> 记录本次时间戳 -> 刷新整个集合的过期时间。
// 判定基于插入前的存量计数，即本次时间戳即使被拒绝也会记录在窗口内。
// 同一秒内的并发请求分值相同，成员带唯一后缀，各算一条。
func (l *Limiter) Check(ctx context.Context, identifier string) (*Result, error) {
	key := cache.RateLimitKey(identifier)
	now := l.now().Unix()
	windowStart := now - int64(l.window.Seconds())

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
	card := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now),
		Member: fmt.Sprintf("%d:%s", now, id.New()),
	})
	pipe.Expire(ctx, key, l.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	current := int(card.Val())
	resetTime := windowStart + int64(l.window.Seconds())

	if current >= l.maxRequests {
		return &Result{
			Allowed:   false,
			Limit:     l.maxRequests,
			Remaining: 0,
			ResetTime: resetTime,
		}, nil
	}

	return &Result{
		Allowed:   true,
		Limit:     l.maxRequests,
		Remaining: l.maxRequests - current - 1,
		ResetTime: resetTime,
	}, nil
}
