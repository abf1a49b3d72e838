package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/m3rciful/wagate/core/logger"
	"log/slog"
)

// requestMiddleware tags every request with an id and emits one structured
// line per request.
func requestMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		ctx := logger.WithRID(c.Request.Context(), rid)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", rid)

		start := time.Now()
		c.Next()

		logger.Info(ctx, "http", "http.request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("http_code", c.Writer.Status()),
			slog.Duration("duration", logger.RoundMS(time.Since(start))),
		)
	}
}

// recoveryMiddleware turns panics into 500s with a structured error line.
func recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error(c.Request.Context(), "http", "http.panic",
			slog.String("path", c.FullPath()),
			slog.Any("err", recovered),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "internal error",
		})
	})
}
