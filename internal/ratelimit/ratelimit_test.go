package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowUnderLimit(t *testing.T) {
	l := New(3, time.Hour)

	for i := 0; i < 3; i++ {
		if !l.Allow("conn-1") {
			t.Fatalf("event %d should be allowed", i+1)
		}
	}
}

func TestDenyOverLimit(t *testing.T) {
	l := New(3, time.Hour)

	for i := 0; i < 3; i++ {
		l.Allow("conn-1")
	}
	if l.Allow("conn-1") {
		t.Fatal("4th event should be denied")
	}
}

func TestDifferentKeysIndependent(t *testing.T) {
	l := New(2, time.Hour)

	l.Allow("1.1.1.1")
	l.Allow("1.1.1.1")

	if l.Allow("1.1.1.1") {
		t.Fatal("1.1.1.1 should be denied")
	}
	if !l.Allow("2.2.2.2") {
		t.Fatal("2.2.2.2 should be allowed")
	}
}

func TestWindowSlides(t *testing.T) {
	now := time.Unix(1000, 0)
	l := New(2, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow("k")
	l.Allow("k")
	if l.Allow("k") {
		t.Fatal("should be denied before window expires")
	}

	now = now.Add(61 * time.Second)
	if !l.Allow("k") {
		t.Fatal("should be allowed after window expires")
	}
}

func TestZeroMaxDisablesLimit(t *testing.T) {
	l := New(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !l.Allow("k") {
			t.Fatal("limit should be disabled")
		}
	}

	var nilLimiter *Limiter
	if !nilLimiter.Allow("k") {
		t.Fatal("nil limiter should allow")
	}
}

func TestSweepAndForget(t *testing.T) {
	now := time.Unix(1000, 0)
	l := New(5, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(30 * time.Second)
	l.Allow("fresh")
	l.Allow("gone")
	l.Forget("gone")

	now = now.Add(45 * time.Second)
	if n := l.Sweep(); n != 1 {
		t.Fatalf("expected 1 key after sweep, got %d", n)
	}
	if _, ok := l.entries["fresh"]; !ok {
		t.Error("fresh key should survive the sweep")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "10.0.0.7:52311"
	if got := ClientIP(r); got != "10.0.0.7" {
		t.Errorf("expected 10.0.0.7, got %q", got)
	}

	r.RemoteAddr = "pipe"
	if got := ClientIP(r); got != "pipe" {
		t.Errorf("expected raw addr, got %q", got)
	}
}

func TestProxiedClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "172.18.0.5:40000"
	r.Header.Set("X-Real-IP", "203.0.113.9")

	if got := ProxiedClientIP(r); got != "203.0.113.9" {
		t.Errorf("expected forwarded address, got %q", got)
	}
	if got := ClientIP(r); got != "172.18.0.5" {
		t.Errorf("direct lookup must ignore X-Real-IP, got %q", got)
	}

	r.Header.Set("X-Real-IP", "not an ip")
	if got := ProxiedClientIP(r); got != "172.18.0.5" {
		t.Errorf("expected fallback to remote addr, got %q", got)
	}
}
