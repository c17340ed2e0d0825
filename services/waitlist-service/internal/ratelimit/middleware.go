package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/alatar/waitlist/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const rejectMessage = "Too many requests. Please try again later."

type KeyFunc func(c *gin.Context) string

type Options struct {
	Store *Store
	KeyFn KeyFunc
	// MinRetryAfter is the smallest Retry-After advertised to a rejected client.
	MinRetryAfter time.Duration
	Logger        *logrus.Entry
}

// Middleware rejects requests whose client has exhausted its bucket with 429
// and a JSON error body shaped like every other error from the API.
func Middleware(opts Options) gin.HandlerFunc {
	if opts.KeyFn == nil {
		opts.KeyFn = func(c *gin.Context) string { return c.ClientIP() }
	}
	if opts.MinRetryAfter <= 0 {
		opts.MinRetryAfter = time.Second
	}

	return func(c *gin.Context) {
		key := opts.KeyFn(c)
		if key == "" {
			key = "unknown"
		}

		ok, wait := opts.Store.Allow(key)
		if ok {
			c.Next()
			return
		}

		if wait < opts.MinRetryAfter {
			wait = opts.MinRetryAfter
		}
		if opts.Logger != nil {
			opts.Logger.WithFields(logrus.Fields{
				"client": key,
				"path":   c.Request.URL.Path,
			}).Warn("rate limit exceeded")
		}

		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{Error: rejectMessage})
	}
}
