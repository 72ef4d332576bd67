package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimitMiddleware allows limit requests per window for each path and
// caller (user id when authenticated, client IP otherwise).
func RateLimitMiddleware(redisClient redis.Cmdable, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, exists := c.Get(ContextUserID)
		if !exists {
			caller = c.ClientIP()
		}

		key := fmt.Sprintf("rate_limit:%s:%v", c.FullPath(), caller)

		ctx := c.Request.Context()
		var incr *redis.IntCmd
		_, err := redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			pipe.ExpireNX(ctx, key, window)
			return nil
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Rate limit check failed"})
			c.Abort()
			return
		}

		count := incr.Val()
		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(limit) {
			c.Header("Retry-After", strconv.Itoa(int(window.Seconds())))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}
