// ABOUTME: Per-client token bucket limiter for the proxy endpoint
// ABOUTME: Bounds the number of tracked clients so rotating source addresses cannot exhaust memory

package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxTrackedClients = 4096

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits proxy requests per client address.
// A zero or negative rpm disables limiting.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	enabled bool
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per
// client, with the given burst.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		clients: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(rpm) / 60),
		burst:   burst,
		enabled: rpm > 0,
	}
}

// Enabled reports whether requests are limited at all.
func (l *RateLimiter) Enabled() bool {
	return l.enabled
}

// Allow reports whether key may make a request now.
func (l *RateLimiter) Allow(key string) bool {
	if !l.enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= maxTrackedClients {
			l.pruneLocked(now)
		}
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// pruneLocked drops idle clients, then arbitrary ones if still at the cap.
func (l *RateLimiter) pruneLocked(now time.Time) {
	for k, e := range l.clients {
		if now.Sub(e.lastSeen) > time.Minute {
			delete(l.clients, k)
		}
	}
	for k := range l.clients {
		if len(l.clients) < maxTrackedClients {
			break
		}
		delete(l.clients, k)
	}
}

// clientKey returns the request's source host without the port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
