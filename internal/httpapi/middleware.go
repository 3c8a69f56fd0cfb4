package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xapiand/searchd/internal/logging"
	"github.com/xapiand/searchd/internal/metrics"
)

// Logger is a Gin middleware logging every request through zerolog
// and observing it into the HTTP Prometheus metrics, replacing the
// teacher's bare log.Printf equivalent.
func Logger() gin.HandlerFunc {
	log := logging.Component("httpapi")
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client", c.ClientIP()).
			Int("status", status).
			Dur("latency", elapsed).
			Msg("request")

		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())
	}
}

// Recovery wraps Gin's panic recovery with a structured zerolog line
// instead of the teacher's log.Printf.
func Recovery() gin.HandlerFunc {
	log := logging.Component("httpapi")
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("panic recovered")
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
