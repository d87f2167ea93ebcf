package middleware

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api/files", nil))

	for _, header := range []string{
		"X-Frame-Options",
		"X-Content-Type-Options",
		"X-XSS-Protection",
		"Content-Security-Policy",
		"Referrer-Policy",
		"Permissions-Policy",
		"Cache-Control",
	} {
		if rr.Header().Get(header) == "" {
			t.Errorf("Expected header %s to be set", header)
		}
	}

	if rr.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS header should not be set for non-TLS requests")
	}
}

func TestSecurityHeadersMiddleware_TLS(t *testing.T) {
	handler := SecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/api/files", nil)
	req.TLS = &tls.ConnectionState{}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS header should be set for TLS requests")
	}
}

func TestRateLimiter(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	limiter := NewRateLimiter(5, 100*time.Millisecond, logger)
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("test-client") {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}
	if limiter.Allow("test-client") {
		t.Error("Request should be rate limited")
	}
	if !limiter.Allow("other-client") {
		t.Error("Different client should not be rate limited")
	}

	time.Sleep(150 * time.Millisecond)
	if !limiter.Allow("test-client") {
		t.Error("Request should be allowed after the window resets")
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	limiter := NewRateLimiter(1, time.Second, logrus.New())
	limiter.Stop()
	limiter.Stop()
}

func TestRateLimitMiddleware(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	limiter := NewRateLimiter(2, time.Minute, logger)
	defer limiter.Stop()

	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(xff string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/files", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	// The proxy chain after the first address does not split the bucket.
	if rr := send("203.0.113.9, 10.0.0.2"); rr.Code != http.StatusOK {
		t.Fatalf("first request: got %d", rr.Code)
	}
	if rr := send("203.0.113.9, 10.0.0.3"); rr.Code != http.StatusOK {
		t.Fatalf("second request: got %d", rr.Code)
	}

	rr := send("203.0.113.9")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Errorf("unexpected Retry-After %q", rr.Header().Get("Retry-After"))
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("429 body is not JSON: %v", err)
	}
	if body["success"] != false {
		t.Errorf("expected success=false, got %v", body["success"])
	}

	// Same connection address without a proxy header is a different client.
	if rr := send(""); rr.Code != http.StatusOK {
		t.Errorf("expected direct client to pass, got %d", rr.Code)
	}
}

func TestGetClientKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := getClientKey(req); got != "192.0.2.1" {
		t.Errorf("expected host without port, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", " 198.51.100.7 ,192.0.2.1")
	if got := getClientKey(req); got != "198.51.100.7" {
		t.Errorf("expected first forwarded address, got %q", got)
	}
}
