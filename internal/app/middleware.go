package app

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/campuspulse/backend/internal/observability"
)

// requestMetrics records per-route request counts, latency, and in-flight
// gauge. No-op when metrics are disabled.
func requestMetrics(m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		m.APIInflightInc()
		c.Next()
		m.APIInflightDec()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordAPIRequest(
			c.Request.Method,
			route,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start).Seconds(),
		)
	}
}
