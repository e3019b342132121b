// Package httplog is the gin request logging shared by the relay and the
// control API.
package httplog

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	HeaderRequestID = "X-Request-Id"
	loggerKey       = "logger"
)

// Middleware injects a request id and logs one entry per request.
func Middleware(l *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(HeaderRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(HeaderRequestID, rid)

		reqLog := l.WithField("request_id", rid)
		c.Set(loggerKey, reqLog)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		entry := reqLog.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if len(c.Errors) > 0 {
			entry.WithField("errors", c.Errors.String()).Error("request")
			return
		}
		entry.Debug("request")
	}
}

// FromGin returns the request-scoped logger.
func FromGin(c *gin.Context) *logrus.Entry {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(*logrus.Entry); ok && l != nil {
			return l
		}
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
