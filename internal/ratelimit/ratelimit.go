package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Limiter tracks event counts per key within a sliding window. Keys are
// remote IPs for upgrades and connection ids for inbound frames.
type Limiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time
}

// New creates a Limiter allowing max events per window for each key. A max
// of 0 disables limiting.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// Allow returns true if key has not exceeded the limit. If allowed, the
// event is recorded.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	valid := prune(l.entries[key], now.Add(-l.window))
	if len(valid) >= l.max {
		l.entries[key] = valid
		return false
	}
	l.entries[key] = append(valid, now)
	return true
}

// Forget drops the history of key.
func (l *Limiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Sweep removes keys with no events inside the window and returns how many
// keys remain.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	for key, ts := range l.entries {
		if valid := prune(ts, cutoff); len(valid) == 0 {
			delete(l.entries, key)
		} else {
			l.entries[key] = valid
		}
	}
	return len(l.entries)
}

func prune(timestamps []time.Time, cutoff time.Time) []time.Time {
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}

// ClientIP returns the request's remote IP without the port.
func ClientIP(r *http.Request) string {
	return clientIP(r, false)
}

// ProxiedClientIP is ClientIP for servers behind a reverse proxy that sets
// X-Real-IP. Only use it when clients cannot reach the server directly.
func ProxiedClientIP(r *http.Request) string {
	return clientIP(r, true)
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
