package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/driftline-dev/driftline/internal/logger"
)

// RequestIDHeader correlates a request across the orchestrator's own logs
// and whatever called it; an upstream-supplied value is preserved so a
// request can be traced across services that sit in front of this one.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "driftline.request_id"

// RequestID assigns a UUID to every request that doesn't already carry one,
// stashes it on the context for handlers and the access logger, and echoes
// it back on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func requestIDFrom(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		return v.(string)
	}
	return ""
}

// AccessLog emits one structured log line per request through the API
// component logger: method, path, status, latency, and the correlating
// request id. Health and readiness polling is skipped to keep the log from
// drowning in probe noise.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/ready" {
			c.Next()
			return
		}

		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		event := logger.API().Info()
		if status >= 500 {
			event = logger.API().Error()
		} else if status >= 400 {
			event = logger.API().Warn()
		}

		event.
			Str("request_id", requestIDFrom(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
