package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RequestLogger logs each admin request and counts it. 4xx logs at warn,
// 5xx at error, the rest at debug.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		default:
			event = logger.Debug()
		}
		event.Msgf("http.Request method=%s route=%s status=%d bytes=%d duration=%s",
			c.Request.Method, route, status, c.Writer.Size(), time.Since(start))

		RecordHTTPRequest(c.Request.Method, route, status)
	}
}
