package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"civic-reports-go/internal/logger"
	"civic-reports-go/internal/metrics"
)

const requestIDHeader = "X-Request-ID"

// requestLogger logs each request once, after it completes.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		if c.GetHeader(requestIDHeader) == "" {
			c.Request.Header.Set(requestIDHeader, uuid.NewString())
		}
		c.Header(requestIDHeader, c.GetHeader(requestIDHeader))

		c.Next()

		entry := log.WithRequest(c.Request).
			WithField("status", c.Writer.Status()).
			WithField("duration_ms", time.Since(start).Milliseconds())
		if len(c.Errors) > 0 {
			entry.WithField("errors", c.Errors.String()).Error("http request with errors")
			return
		}
		if strings.HasPrefix(c.Request.URL.Path, "/healthz") || c.Request.URL.Path == "/metrics" {
			entry.Debug("http request")
			return
		}
		entry.Info("http request")
	}
}

// observe records request counts and latency per route template.
func observe(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTP(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), start)
	}
}
