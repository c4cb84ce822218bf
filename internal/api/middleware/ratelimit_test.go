package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testLimiter(t *testing.T, r rate.Limit, burst int, maxAge time.Duration) *IPRateLimiter {
	t.Helper()
	logger, _ := captureLogger()
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate:            r,
		Burst:           burst,
		CleanupInterval: time.Hour,
		MaxAge:          maxAge,
	}, logger)
	t.Cleanup(rl.Stop)
	return rl
}

func TestIPRateLimiter_Allow(t *testing.T) {
	rl := testLimiter(t, 2, 2, time.Hour)

	if !rl.Allow("192.168.1.1") || !rl.Allow("192.168.1.1") {
		t.Fatal("expected burst of two to be allowed")
	}
	if rl.Allow("192.168.1.1") {
		t.Fatal("expected third request to be rate limited")
	}
	if !rl.Allow("192.168.1.2") {
		t.Fatal("expected request from different IP to be allowed")
	}
	if rl.Len() != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", rl.Len())
	}
}

func TestIPRateLimiter_Cleanup(t *testing.T) {
	rl := testLimiter(t, 10, 10, 0)

	rl.Allow("10.0.0.1")
	if rl.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", rl.Len())
	}

	rl.cleanup()
	if rl.Len() != 0 {
		t.Fatalf("expected 0 entries after cleanup, got %d", rl.Len())
	}
}

func TestIPRateLimiter_StopTwice(t *testing.T) {
	rl := testLimiter(t, 1, 1, time.Hour)
	rl.Stop()
	rl.Stop()
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		rate rate.Limit
		want int
	}{
		{rate.Limit(20), 1},
		{rate.Limit(1), 1},
		{rate.Limit(0.25), 4},
		{rate.Inf, 1},
	}
	for _, tt := range tests {
		rl := testLimiter(t, tt.rate, 1, time.Hour)
		if got := rl.retryAfter(); got != tt.want {
			t.Errorf("retryAfter(rate %v) = %d, want %d", tt.rate, got, tt.want)
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := testLimiter(t, 1, 1, time.Hour)

	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calls/1/dtmf", nil)
	req.RemoteAddr = "10.0.0.5:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := extractIP(r); got != tt.want {
			t.Errorf("extractIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
