package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const rateWindow = time.Minute

// ClientRateLimiter is a one-minute sliding window for a single client.
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	requests          []time.Time
	now               func() time.Time
}

// NewClientRateLimiter creates a limiter allowing requestsPerMinute
// requests in any one-minute window.
func NewClientRateLimiter(requestsPerMinute int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		now:               time.Now,
	}
}

// Allow records a request and reports whether it fits in the window.
// Rejected requests are not recorded.
func (r *ClientRateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)
	if len(r.requests) >= r.requestsPerMinute {
		return false
	}
	r.requests = append(r.requests, now)
	return true
}

// Count returns the requests in the current window.
func (r *ClientRateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.requests)
}

func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	keep := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	r.requests = keep
}

// RateLimiter holds one ClientRateLimiter per client address. A limit of
// zero or less disables limiting.
type RateLimiter struct {
	mu        sync.Mutex
	perMinute int
	clients   map[string]*ClientRateLimiter
	now       func() time.Time
}

// NewRateLimiter creates a per-client limiter.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		perMinute: perMinute,
		clients:   make(map[string]*ClientRateLimiter),
		now:       time.Now,
	}
}

// Allow reports whether the client identified by key may make a request.
func (l *RateLimiter) Allow(key string) bool {
	if l.perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.clients[key]
	if !ok {
		limiter = NewClientRateLimiter(l.perMinute)
		limiter.now = l.now
		l.clients[key] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// Cleanup forgets clients with no request in the current window and
// returns how many were dropped.
func (l *RateLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for key, limiter := range l.clients {
		if limiter.Count() == 0 {
			delete(l.clients, key)
			dropped++
		}
	}
	return dropped
}

// Middleware rejects requests over the limit with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies a client by the host part of its address.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
