package server

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
)

const requestIDKey = "request_id"

// RequestIDMiddleware tags each request with an ID, honoring one supplied by
// the caller so broker-side probe logs can be correlated with ours.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// LoggingMiddleware logs one structured entry per request. Health and
// metrics scrapes arrive every few seconds and are demoted to debug;
// server errors are promoted so they surface without LOG_LEVEL=debug.
func LoggingMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(logging.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"latency":    time.Since(start),
			"client_ip":  c.ClientIP(),
			requestIDKey: c.GetString(requestIDKey),
		})
		switch path := c.Request.URL.Path; {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("HTTP request")
		case path == "/health" || path == "/metrics":
			entry.Debug("HTTP request")
		default:
			entry.Info("HTTP request")
		}
	}
}

// RecoveryMiddleware converts handler panics into 500s with a logged stack.
func RecoveryMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logging.Fields{
					"panic":      r,
					"method":     c.Request.Method,
					"path":       c.Request.URL.Path,
					"stack":      string(debug.Stack()),
					requestIDKey: c.GetString(requestIDKey),
				}).Error("Request handler panic")
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}
