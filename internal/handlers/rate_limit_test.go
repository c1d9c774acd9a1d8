package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIPRateLimiterFixedWindow(t *testing.T) {
	now := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)
	limiter := newIPRateLimiter(2, time.Minute, func() time.Time { return now })

	if !limiter.allow("10.0.0.1") || !limiter.allow("10.0.0.1") {
		t.Fatal("first two requests should pass")
	}
	if limiter.allow("10.0.0.1") {
		t.Error("third request inside window should be throttled")
	}
	if !limiter.allow("10.0.0.2") {
		t.Error("other clients are tracked independently")
	}

	now = now.Add(61 * time.Second)
	if !limiter.allow("10.0.0.1") {
		t.Error("window expiry should reset the counter")
	}
}

func TestRateLimitMiddlewareRejectsWith429(t *testing.T) {
	handler := RateLimit(1, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRequest(http.MethodPost, "/orders/momo/create", nil)
	first.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", rec.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/orders/momo/create", nil)
	second.RemoteAddr = "203.0.113.7:51235"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, second)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d", rec.Code)
	}
}
