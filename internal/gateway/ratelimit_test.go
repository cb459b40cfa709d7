package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	now := time.Unix(1000, 0)
	tb := newTokenBucket(60, 2, func() time.Time { return now })

	if !tb.Allow() || !tb.Allow() {
		t.Fatal("burst of 2 should be allowed")
	}
	if tb.Allow() {
		t.Fatal("third request should be rejected")
	}
	now = now.Add(time.Second)
	if !tb.Allow() {
		t.Fatal("one token should refill after a second at 60 rpm")
	}
	if tb.Allow() {
		t.Fatal("only one token should have refilled")
	}
	now = now.Add(time.Hour)
	for i := 0; i < 2; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d after idle hour should be allowed", i)
		}
	}
	if tb.Allow() {
		t.Fatal("refill must be capped at the burst size")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimitMiddleware(1, 2)
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path, remote string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := do("/api/stats", "10.0.0.1:1234"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := do("/api/stats", "10.0.0.1:5678"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for the same host on another port, got %d", code)
	}
	if code := do("/api/stats", "10.0.0.2:1234"); code != http.StatusOK {
		t.Fatalf("other client: expected 200, got %d", code)
	}
	if code := do("/healthz", "10.0.0.1:1234"); code != http.StatusOK {
		t.Fatalf("healthz must bypass the limiter, got %d", code)
	}
	if n := rl.BucketCount(); n != 2 {
		t.Fatalf("expected 2 buckets, got %d", n)
	}

	rl.EvictStale(-time.Second)
	if n := rl.BucketCount(); n != 0 {
		t.Fatalf("expected eviction to clear buckets, got %d", n)
	}
}

func TestRateLimitMiddleware_DisabledPassesThrough(t *testing.T) {
	rl := NewRateLimitMiddleware(0, 0)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	if got := rl.Wrap(inner); got == nil {
		t.Fatal("Wrap returned nil")
	}
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
		rec := httptest.NewRecorder()
		rl.Wrap(inner).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}
	if n := rl.BucketCount(); n != 0 {
		t.Fatalf("disabled limiter tracked %d buckets", n)
	}
}
