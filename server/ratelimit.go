package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// rateLimiter allows at most limit hits per key within window. Keys with no
// hits inside the window are dropped.
type rateLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	clients   map[string][]time.Time
	now       func() time.Time
	lastSweep time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// allow records a hit for key unless it is already at the limit.
func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)
	recent := rl.recent(key, now)
	if len(recent) >= rl.limit {
		return false
	}
	rl.clients[key] = append(recent, now)
	return true
}

// blocked reports whether key is at the limit without recording a hit.
func (rl *rateLimiter) blocked(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)
	return len(rl.recent(key, now)) >= rl.limit
}

// recent trims key's hits to the window. Caller holds mu.
func (rl *rateLimiter) recent(key string, now time.Time) []time.Time {
	cutoff := now.Add(-rl.window)
	hits := rl.clients[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == len(hits) {
		delete(rl.clients, key)
		return nil
	}
	hits = hits[i:]
	rl.clients[key] = hits
	return hits
}

// sweep drops idle keys at most once per window. Caller holds mu.
func (rl *rateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	rl.lastSweep = now
	cutoff := now.Add(-rl.window)
	for key, hits := range rl.clients {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(rl.clients, key)
		}
	}
}

// clientIP returns the address the request came from. Behind Cloud Run the
// front end appends the peer address to X-Forwarded-For, so the last entry is
// the one a client cannot forge.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		if ip := strings.TrimSpace(hops[len(hops)-1]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
