package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vietcart/api/internal/platform/httpx"
)

// rateWindow tracks request counts inside a fixed window per remote address.
type rateWindow struct {
	count int
	reset time.Time
}

type ipRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu    sync.Mutex
	store map[string]rateWindow
}

func newIPRateLimiter(limit int, window time.Duration, clock func() time.Time) *ipRateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &ipRateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		store:  make(map[string]rateWindow),
	}
}

func (l *ipRateLimiter) allow(key string) bool {
	if l == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}

	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok || now.After(entry.reset) {
		l.store[key] = rateWindow{count: 1, reset: now.Add(l.window)}
		for k, e := range l.store {
			if now.After(e.reset) {
				delete(l.store, k)
			}
		}
		return true
	}
	if entry.count >= l.limit {
		return false
	}
	entry.count++
	l.store[key] = entry
	return true
}

// RateLimit returns middleware that throttles requests per client address.
// Intended for the payment create endpoints, which fan out to provider APIs.
func RateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	limiter := newIPRateLimiter(limit, window, nil)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientAddr(r)) {
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
