package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/audittrail/audittrail/internal/audit"
)

// RequestIDKey is the gin.Context key under which the request ID string is
// stored. The header name is shared with the audit request context extractor.
const RequestIDKey = "request_id"

// RequestIDMiddleware returns a Gin handler that ensures every request carries a unique
// identifier propagated as an X-Request-ID HTTP header.
//
// An inbound X-Request-ID is reused unchanged; otherwise a new UUID is generated
// and written back onto the request, so the audit record, the structured log
// line and the response header all carry the same value.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(audit.HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
			c.Request.Header.Set(audit.HeaderRequestID, id)
		}

		c.Set(RequestIDKey, id)
		c.Header(audit.HeaderRequestID, id)

		c.Next()
	}
}

// LoggerMiddleware writes one structured log line per request. Server errors
// are logged at error level, client errors at warn.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", c.GetString(RequestIDKey)),
			slog.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("error", c.Errors.String()))
		}
		slog.LogAttrs(c.Request.Context(), level, "http request", attrs...)
	}
}
