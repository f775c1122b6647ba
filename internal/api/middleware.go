package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AshfordSecurity/carousel/internal/logger"
)

// RequestLogging logs every HTTP request with method, path, status and
// duration.
func RequestLogging(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		log.Infow("HTTP request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}
