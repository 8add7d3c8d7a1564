package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/metrics"
	"youplace-realtime/internal/repository"
)

// RateLimit 返回一个按客户端 IP 限流的 Gin 中间件，计数放在共享存储里，多实例共用。
// 存储不可用时放行。
func RateLimit(state repository.StateRepository, maxRequests int, window time.Duration) gin.HandlerFunc {
	if state == nil {
		panic("StateRepository cannot be nil for RateLimit middleware")
	}
	if maxRequests <= 0 {
		panic("maxRequests must be positive for RateLimit middleware")
	}
	if window <= 0 {
		panic("window duration must be positive for RateLimit middleware")
	}

	return func(c *gin.Context) {
		key := "ratelimit:" + c.ClientIP()
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		limited, err := state.CheckRateLimit(ctx, key, maxRequests, window)
		cancel()
		if err != nil {
			metrics.StoreErrors.WithLabelValues("check_rate_limit").Inc()
			logrus.WithError(err).Warn("RateLimit: store unavailable, request allowed")
			c.Next()
			return
		}
		if limited {
			c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			c.Abort()
			return
		}
		c.Next()
	}
}
