package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/audittrail/audittrail/internal/telemetry"
)

// noRouteLabel replaces the path label for 404/405 responses so scanners do
// not inflate label cardinality.
const noRouteLabel = "<no-route>"

// MetricsMiddleware records http_requests_total and http_request_duration_seconds
// for every request, labelled with the gin route template rather than the raw
// URL (e.g. /api/v1/audit-logs/:id).
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRouteLabel
		}
		method := c.Request.Method
		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
