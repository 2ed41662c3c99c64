package middlewares

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/mrms_backend/config"
)

// RateLimiter counts requests per client in fixed Redis windows.
type RateLimiter struct {
	limit  int64
	window time.Duration
	incr   func(c *gin.Context, key string, window time.Duration) (int64, error)
}

func NewRateLimiter(limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		incr: func(c *gin.Context, key string, window time.Duration) (int64, error) {
			return config.IncrRedisCounter(c.Request.Context(), key, window)
		},
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "RateLimit:" + c.ClientIP()
		count, err := rl.incr(c, key, rl.window)
		if err != nil {
			// Fail open when Redis is unavailable.
			_ = c.Error(err)
			c.Next()
			return
		}
		if count > rl.limit {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("rate limit exceeded, try again in %d seconds", int(rl.window.Seconds())),
			})
			return
		}
		c.Next()
	}
}
