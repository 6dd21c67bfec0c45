// Package middleware provides gin middleware for metrics, request ids and
// request logging.
package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nadmax/noos/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = normalizeEndpoint(c.Request.URL.Path)
		}
		status := strconv.Itoa(c.Writer.Status())

		recordHTTPRequest(c.Request.Method, endpoint, status, time.Since(start))
	}
}

// normalizeEndpoint collapses ids in unmatched paths so label cardinality
// stays bounded.
func normalizeEndpoint(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/tasks/"):
		parts := strings.Split(strings.TrimPrefix(path, "/api/tasks/"), "/")
		if len(parts) == 2 && parts[1] == "cancel" {
			return "/api/tasks/:id/cancel"
		}
		if len(parts) == 1 && isNumeric(parts[0]) {
			return "/api/tasks/:id"
		}
		return path
	case strings.HasPrefix(path, "/api/results/run/"):
		return "/api/results/run/:runId"
	case strings.HasPrefix(path, "/api/results/category/"):
		return "/api/results/category/:category"
	case strings.HasPrefix(path, "/api/results/type/"):
		return "/api/results/type/:type"
	case strings.HasPrefix(path, "/api/parameters/"):
		parts := strings.Split(strings.TrimPrefix(path, "/api/parameters/"), "/")
		if len(parts) == 2 {
			return "/api/parameters/:id/" + parts[1]
		}
		return "/api/parameters/:id"
	default:
		return path
	}
}

func isNumeric(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}
