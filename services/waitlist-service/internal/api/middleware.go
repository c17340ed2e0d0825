package api

import (
	"net/http"
	"time"

	"github.com/alatar/waitlist/internal/models"
	"github.com/alatar/waitlist/services/waitlist-service/internal/signup"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	headerRequestID = "X-Request-ID"
	ctxLogger       = "logger"
)

// requestLogger tags every request with an id, exposes a request-scoped
// logrus entry to handlers and logs one line per completed request.
func requestLogger(base *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		id := c.GetHeader(headerRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Header(headerRequestID, id)

		entry := base.WithField("request_id", id)
		c.Set(ctxLogger, entry)
		c.Request = c.Request.WithContext(signup.ContextWithLogger(c.Request.Context(), entry))

		c.Next()

		fields := logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.WithFields(fields).Error("request completed")
		case status >= http.StatusBadRequest:
			entry.WithFields(fields).Warn("request completed")
		default:
			entry.WithFields(fields).Info("request completed")
		}
	}
}

// loggerFrom returns the entry set by requestLogger, or fallback.
func loggerFrom(c *gin.Context, fallback *logrus.Entry) *logrus.Entry {
	if v, ok := c.Get(ctxLogger); ok {
		if entry, ok := v.(*logrus.Entry); ok {
			return entry
		}
	}
	return fallback
}

// recovery keeps the error body shape on panics.
func recovery(log *logrus.Entry) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		loggerFrom(c, log).WithField("panic", recovered).Error("handler panicked")
		c.AbortWithStatusJSON(http.StatusInternalServerError, models.ErrorResponse{Error: msgUnexpected})
	})
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", headerRequestID},
		ExposeHeaders: []string{"Content-Length", headerRequestID, "Retry-After"},
		MaxAge:        12 * time.Hour,
	}

	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
