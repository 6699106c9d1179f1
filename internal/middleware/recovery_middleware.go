// internal/middleware/recovery_middleware.go
package middleware

import (
	"net/http"

	"duka-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RecoveryMiddleware turns a handler panic into a 500 envelope. Webhook
// providers then retry, which is safe because recording is idempotent.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		logger.Error("panic recovered",
			zap.Any("panic", recovered),
			zap.String("route", c.FullPath()),
			zap.String("method", c.Request.Method),
			zap.Stack("stack"),
		)
		response.Error(c, http.StatusInternalServerError, "internal server error", nil)
	})
}
