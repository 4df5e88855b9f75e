package web

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func throttledRouter(t *Throttle) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ThrottleMiddleware(t))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func pingFrom(router *gin.Engine, addr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/ping", nil)
	req.RemoteAddr = addr
	router.ServeHTTP(w, req)
	return w
}

func TestThrottleWithinBurst(t *testing.T) {
	router := throttledRouter(NewThrottle(1, 5))

	for i := 0; i < 5; i++ {
		if w := pingFrom(router, "10.0.0.1:1234"); w.Code != http.StatusOK {
			t.Fatalf("Request %d inside the burst rejected with %d", i+1, w.Code)
		}
	}
	if w := pingFrom(router, "10.0.0.1:1234"); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 once the burst is drained, got %d", w.Code)
	}
}

func TestThrottleRejectionBody(t *testing.T) {
	router := throttledRouter(NewThrottle(1, 1))

	pingFrom(router, "10.0.0.1:1234")
	w := pingFrom(router, "10.0.0.1:1234")

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rate limit exceeded") {
		t.Errorf("Expected the rejection reason in the body, got %s", w.Body.String())
	}
}

func TestThrottleIsPerClient(t *testing.T) {
	router := throttledRouter(NewThrottle(1, 1))

	if w := pingFrom(router, "10.0.0.1:1234"); w.Code != http.StatusOK {
		t.Fatalf("First client's first request rejected with %d", w.Code)
	}
	// a different client has its own untouched bucket
	if w := pingFrom(router, "10.0.0.2:1234"); w.Code != http.StatusOK {
		t.Errorf("Second client should not share the first one's bucket, got %d", w.Code)
	}
	if w := pingFrom(router, "10.0.0.1:1234"); w.Code != http.StatusTooManyRequests {
		t.Errorf("First client should be drained, got %d", w.Code)
	}
}

func TestThrottleRefillsOverTime(t *testing.T) {
	router := throttledRouter(NewThrottle(1, 1))

	pingFrom(router, "10.0.0.1:1234")
	if w := pingFrom(router, "10.0.0.1:1234"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected drained bucket, got %d", w.Code)
	}

	// one token per second
	time.Sleep(1100 * time.Millisecond)

	if w := pingFrom(router, "10.0.0.1:1234"); w.Code != http.StatusOK {
		t.Errorf("Expected the bucket refilled after waiting, got %d", w.Code)
	}
}

func TestThrottleResetsOversizedPool(t *testing.T) {
	throttle := NewThrottle(10, 20)

	for i := 0; i <= throttleResetThreshold; i++ {
		throttle.allow(fmt.Sprintf("10.%d.%d.%d", i>>16, (i>>8)&0xff, i&0xff))
	}
	throttle.mu.Lock()
	grown := len(throttle.buckets)
	throttle.mu.Unlock()
	if grown <= throttleResetThreshold {
		t.Fatalf("Expected the pool above the threshold, got %d", grown)
	}

	// the next caller triggers the reset
	throttle.allow("192.168.0.1")
	throttle.mu.Lock()
	after := len(throttle.buckets)
	throttle.mu.Unlock()
	if after != 1 {
		t.Errorf("Expected the pool reset to the single fresh bucket, got %d", after)
	}
}

func TestBodyLimitByContentLength(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		maxBytes int64
		bodySize int
		want     int
	}{
		{"under the cap", 1024, 512, http.StatusOK},
		{"exactly at the cap", 1024, 1024, http.StatusOK},
		{"over the cap", 1024, 2048, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(BodyLimitMiddleware(tt.maxBytes))
			router.POST("/drop", func(c *gin.Context) { c.Status(http.StatusOK) })

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", "/drop", strings.NewReader(strings.Repeat("x", tt.bodySize)))
			req.Header.Set("Content-Length", strconv.Itoa(tt.bodySize))
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestBodyLimitRejectionBody(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(BodyLimitMiddleware(64))
	router.POST("/drop", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/drop", strings.NewReader(strings.Repeat("x", 256)))
	req.Header.Set("Content-Length", "256")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Expected 413, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "request body too large") {
		t.Errorf("Expected the rejection reason in the body, got %s", w.Body.String())
	}
}
