// Package middleware provides the Gin HTTP middleware for the decision engine
// API. Everything here is registered in internal/api/router.go before any
// route handlers so that every request is covered regardless of handler.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the canonical HTTP header used to propagate the
	// request identifier.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key under which the request ID string
	// is stored so handlers can retrieve it without reading headers.
	RequestIDKey = "request_id"
)

// RequestID returns a Gin handler that ensures every request carries a unique
// identifier propagated as an X-Request-ID header. An inbound id set by an
// upstream gateway is reused unchanged; otherwise a UUID v4 is generated. The
// id is echoed in the response so clients can correlate their request with
// server-side structured log entries.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
