package quota

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(10)
	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		if !rl.Allow("sess") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("sess") {
		t.Error("11th request should be denied")
	}
	if !rl.Allow("other") {
		t.Error("limits are per key")
	}
	if got := rl.RetryAfter("sess"); got != 6 {
		t.Errorf("RetryAfter = %d, want 6", got)
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 1000; i++ {
		if !rl.Allow("sess") {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
	if rl.RetryAfter("sess") != 0 {
		t.Error("unlimited limiter never asks to wait")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter(60)
	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 0; i < 60; i++ {
		rl.Allow("sess")
	}
	if rl.Allow("sess") {
		t.Error("should be rate limited after exhausting tokens")
	}

	now = now.Add(1100 * time.Millisecond)
	if !rl.Allow("sess") {
		t.Error("should be allowed after refill")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(5)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(2 * time.Hour)
	rl.Allow("new")

	if n := rl.Cleanup(time.Hour); n != 1 {
		t.Errorf("Cleanup removed %d, want 1", n)
	}
}

func TestMiddleware(t *testing.T) {
	rl := NewRateLimiter(1)
	h := rl.Middleware(func(r *http.Request) string { return r.Header.Get("X-Session") })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/inference", nil)
		req.Header.Set("X-Session", "s1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(); rec.Code != http.StatusNoContent {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}
