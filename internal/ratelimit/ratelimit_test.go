package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"

	"relay/internal/pkg/cache"
)

func newTestLimiter(t *testing.T, maxRequests int, window time.Duration) (*Limiter, *miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, maxRequests, window), mr, client
}

func TestLimiter_Check(t *testing.T) {
	Convey("Limiter.Check 滑动窗口限流判定", t, func() {
		ctx := context.Background()

		Convey("新 identifier 首次请求放行", func() {
			limiter, _, _ := newTestLimiter(t, 5, time.Minute)

			result, err := limiter.Check(ctx, "user:alice")
			So(err, ShouldBeNil)
			So(result.Allowed, ShouldBeTrue)
			So(result.Limit, ShouldEqual, 5)
			So(result.Remaining, ShouldEqual, 4)
		})

		Convey("超过窗口上限后拒绝", func() {
			limiter, _, _ := newTestLimiter(t, 2, time.Minute)

			r1, err := limiter.Check(ctx, "user:bob")
			So(err, ShouldBeNil)
			So(r1.Allowed, ShouldBeTrue)
			So(r1.Remaining, ShouldEqual, 1)

			r2, err := limiter.Check(ctx, "user:bob")
			So(err, ShouldBeNil)
			So(r2.Allowed, ShouldBeTrue)
			So(r2.Remaining, ShouldEqual, 0)

			r3, err := limiter.Check(ctx, "user:bob")
			So(err, ShouldBeNil)
			So(r3.Allowed, ShouldBeFalse)
			So(r3.Remaining, ShouldEqual, 0)
		})

		Convey("不同 identifier 各自独立计数", func() {
			limiter, _, _ := newTestLimiter(t, 1, time.Minute)

			r1, err := limiter.Check(ctx, "user:alice")
			So(err, ShouldBeNil)
			So(r1.Allowed, ShouldBeTrue)

			r2, err := limiter.Check(ctx, "user:bob")
			So(err, ShouldBeNil)
			So(r2.Allowed, ShouldBeTrue)
		})

		Convey("窗口滑过后计数恢复", func() {
			limiter, _, _ := newTestLimiter(t, 1, time.Minute)

			base := time.Now()
			limiter.now = func() time.Time { return base }

			r1, err := limiter.Check(ctx, "user:carol")
			So(err, ShouldBeNil)
			So(r1.Allowed, ShouldBeTrue)

			r2, err := limiter.Check(ctx, "user:carol")
			So(err, ShouldBeNil)
			So(r2.Allowed, ShouldBeFalse)

			// 时间推进到窗口之外，旧请求被清出
			limiter.now = func() time.Time { return base.Add(61 * time.Second) }

			r3, err := limiter.Check(ctx, "user:carol")
			So(err, ShouldBeNil)
			So(r3.Allowed, ShouldBeTrue)
		})

		Convey("被拒绝的请求同样记入窗口", func() {
			limiter, _, client := newTestLimiter(t, 1, time.Minute)

			_, err := limiter.Check(ctx, "user:dave")
			So(err, ShouldBeNil)
			_, err = limiter.Check(ctx, "user:dave")
			So(err, ShouldBeNil)

			count, err := client.ZCard(ctx, cache.RateLimitKey("user:dave")).Result()
			So(err, ShouldBeNil)
			So(count, ShouldEqual, 2)
		})

		Convey("同一秒内的多次请求各算一条", func() {
			limiter, _, client := newTestLimiter(t, 10, time.Minute)

			fixed := time.Now()
			limiter.now = func() time.Time { return fixed }

			for i := 0; i < 3; i++ {
				_, err := limiter.Check(ctx, "user:eve")
				So(err, ShouldBeNil)
			}

			count, err := client.ZCard(ctx, cache.RateLimitKey("user:eve")).Result()
			So(err, ShouldBeNil)
			So(count, ShouldEqual, 3)
		})

		Convey("限流 key 带过期时间", func() {
			limiter, mr, _ := newTestLimiter(t, 5, time.Minute)

			_, err := limiter.Check(ctx, "user:frank")
			So(err, ShouldBeNil)
			So(mr.TTL(cache.RateLimitKey("user:frank")), ShouldEqual, time.Minute)
		})

		Convey("存储不可用时返回 ErrStoreUnavailable", func() {
			limiter, mr, _ := newTestLimiter(t, 5, time.Minute)
			mr.Close()

			result, err := limiter.Check(ctx, "user:grace")
			So(result, ShouldBeNil)
			So(errors.Is(err, ErrStoreUnavailable), ShouldBeTrue)
		})

		Convey("ResetTime 为窗口起点加窗口长度", func() {
			limiter, _, _ := newTestLimiter(t, 5, time.Minute)

			base := time.Now()
			limiter.now = func() time.Time { return base }

			result, err := limiter.Check(ctx, "user:heidi")
			So(err, ShouldBeNil)
			So(result.ResetTime, ShouldEqual, base.Unix())
		})
	})
}
