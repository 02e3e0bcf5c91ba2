package middleware

import (
	"time"

	"github.com/aman-churiwal/cathedral-tour/internal/models"
	"github.com/gin-gonic/gin"
)

// LogEnqueuer is implemented by requestlog.Writer
type LogEnqueuer interface {
	Enqueue(entry models.RequestLog) bool
}

// RequestLogger records every request for the traffic report. Entries are
// handed to the writer without blocking the response.
func RequestLogger(writer LogEnqueuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)

		// matched route keeps path parameters out of the report
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		writer.Enqueue(models.RequestLog{
			RequestID:      c.GetString(RequestIDKey),
			Timestamp:      start.UTC(),
			Method:         c.Request.Method,
			Path:           path,
			StatusCode:     c.Writer.Status(),
			ResponseTimeMs: int(duration.Milliseconds()),
			IPAddress:      addressIdentifier(c.Request),
			UserAgent:      c.Request.UserAgent(),
		})
	}
}
