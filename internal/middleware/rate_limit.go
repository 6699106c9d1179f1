// internal/middleware/rate_limit.go
package middleware

import (
	"fmt"
	"strconv"
	"time"

	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/pkg/ratelimit"
	"duka-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimit caps requests per client IP within window. With no limiter, or
// when Redis fails, requests pass: a provider callback must not be lost to a
// cache outage.
func RateLimit(limiter *ratelimit.RateLimiter, scope string, max int, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || max <= 0 {
			c.Next()
			return
		}

		allowed, remaining, err := limiter.Allow(c.Request.Context(), scope, c.ClientIP(), int64(max), window)
		if err != nil {
			logger.Warn("rate limiter unavailable, allowing request",
				zap.String("scope", scope),
				zap.Error(err),
			)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(max))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if !allowed {
			response.FromError(c, "too many requests", fmt.Errorf("%s limit of %d per %s: %w", scope, max, window, xerrors.ErrRateLimited))
			return
		}
		c.Next()
	}
}
