package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"relay/internal/model"
	"relay/internal/ratelimit"
)

// RateLimit 限流中间件
// 按客户端 IP 做滑动窗口准入控制。
// failOpen 决定限流存储不可用时放行还是返回 503，是部署策略而不是代码默认。
func RateLimit(limiter *ratelimit.Limiter, failOpen bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()

		result, err := limiter.Check(c.Request.Context(), identifier)
		if err != nil {
			if failOpen {
				log.Warn().Err(err).Str("identifier", identifier).Msg("rate limit store unavailable, failing open")
				c.Next()
				return
			}

			log.Error().Err(err).Str("identifier", identifier).Msg("rate limit store unavailable, failing closed")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, model.ErrorResponse{
				Code:    50302,
				Message: "Rate limiter unavailable",
			})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime, 10))

		if !result.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    42901,
				"message": "Rate limit exceeded",
				"rate_limit": model.RateLimitInfo{
					Limit:     result.Limit,
					Remaining: result.Remaining,
					ResetTime: result.ResetTime,
				},
			})
			return
		}

		c.Next()
	}
}
