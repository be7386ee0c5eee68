// Per-IP limits for the POST endpoints that plan activities or send
// messages.
package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter allows maxRate requests per client IP in each fixed window.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*quota
	maxRate int
	window  time.Duration
	now     func() time.Time
}

// quota is one client's window.
type quota struct {
	used    int
	started time.Time
}

// NewRateLimiter creates a rate limiter allowing maxRate requests per window.
func NewRateLimiter(maxRate int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*quota),
		maxRate: maxRate,
		window:  window,
		now:     time.Now,
	}
}

// Allow records one request from ip and reports whether it fits the
// current window. Opening a new window also forgets idle clients.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	q := rl.clients[ip]
	if q == nil || now.Sub(q.started) >= rl.window {
		rl.forgetIdle(now)
		rl.clients[ip] = &quota{used: 1, started: now}
		return true
	}
	if q.used >= rl.maxRate {
		return false
	}
	q.used++
	return true
}

// RetryAfter is the number of seconds until ip's window reopens.
func (rl *RateLimiter) RetryAfter(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	q := rl.clients[ip]
	if q == nil {
		return 0
	}
	left := q.started.Add(rl.window).Sub(rl.now())
	if left < 0 {
		return 0
	}
	return int(left.Seconds()) + 1
}

func (rl *RateLimiter) forgetIdle(now time.Time) {
	for ip, q := range rl.clients {
		if now.Sub(q.started) > 2*rl.window {
			delete(rl.clients, ip)
		}
	}
}

// clientIP prefers the first X-Forwarded-For hop over the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware answers 429 with a Retry-After header once the
// caller's window is spent.
func RateLimitMiddleware(rl *RateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter(ip)))
			writeJSONStatus(w, http.StatusTooManyRequests, failure("rate limit exceeded"))
			return
		}
		next(w, r)
	}
}
