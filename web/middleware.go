package web

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// throttleResetThreshold bounds the per-client bucket map. Crossing it
// drops every bucket instead of tracking per-entry age; a well-behaved
// client just refills from scratch.
const throttleResetThreshold = 10000

// Throttle hands out one token bucket per client IP. Rate and burst come
// from AppConfig so operators can tune abuse control without a rebuild.
type Throttle struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	perSec  rate.Limit
	burst   int
}

func NewThrottle(perSec float64, burst int) *Throttle {
	return &Throttle{
		buckets: make(map[string]*rate.Limiter),
		perSec:  rate.Limit(perSec),
		burst:   burst,
	}
}

// allow consumes one token from the caller's bucket
func (t *Throttle) allow(ip string) bool {
	t.mu.Lock()
	if len(t.buckets) > throttleResetThreshold {
		t.buckets = make(map[string]*rate.Limiter)
	}
	bucket, ok := t.buckets[ip]
	if !ok {
		bucket = rate.NewLimiter(t.perSec, t.burst)
		t.buckets[ip] = bucket
	}
	t.mu.Unlock()

	return bucket.Allow()
}

// ThrottleMiddleware rejects callers that drained their bucket
func ThrottleMiddleware(t *Throttle) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !t.allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// BodyLimitMiddleware caps the request body, both by the declared
// Content-Length and by a hard reader limit for chunked bodies
func BodyLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
