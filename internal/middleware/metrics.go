package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/actionguard/actionguard/internal/telemetry"
)

// Metrics returns a Gin handler that records the HTTP request counter and
// latency histogram for every request passing through the router.
//
// The path label is set from c.FullPath(), the matched route template (e.g.
// /api/v1/policies/:id/history), not the raw URL, so user-supplied path
// segments cannot inflate label cardinality. Requests that match no route use
// the literal "<no-route>".
//
// Register after gin.Recovery() and RequestID() so status codes set by error
// handlers are captured.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		duration := time.Since(start).Seconds()
		method := c.Request.Method
		status := fmt.Sprintf("%d", c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}
