package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware records in-flight, total and latency per matched route.
// Unmatched requests are grouped under a single label.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		m.inflight.Inc()
		defer m.inflight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		m.reqTotal.WithLabelValues(method, route, status).Inc()
		m.reqDur.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
