package realtime

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsWithinLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("fourth event in the window should be refused")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !rl.Allow(now) || !rl.Allow(now.Add(100*time.Millisecond)) {
		t.Fatalf("events within limit refused")
	}
	if rl.Allow(now.Add(200 * time.Millisecond)) {
		t.Fatalf("window still full")
	}

	// The first event ages out after one second.
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatalf("slot should free up once the oldest event leaves the window")
	}
	if rl.Allow(now.Add(1200 * time.Millisecond)) {
		t.Fatalf("window full again")
	}
}

func TestRateLimiterDefaultsOnInvalidInput(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if rl.limit != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("invalid inputs should fall back to defaults: limit=%d window=%s", rl.limit, rl.window)
	}
}
