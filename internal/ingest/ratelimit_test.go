package ingest

import (
	"testing"
	"time"
)

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(2, 1, 10*time.Minute)

	if !rl.Allow("t1/d1") {
		t.Fatal("first call should pass on a fresh bucket")
	}
	if !rl.Allow("t1/d1") {
		t.Fatal("second call should drain the burst")
	}
	if rl.Allow("t1/d1") {
		t.Fatal("third call should be refused with the burst spent")
	}
	// Other devices keep their own bucket.
	if !rl.Allow("t1/d2") {
		t.Fatal("a different key must not share the drained bucket")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, 1, 10*time.Minute)
	rl.now = func() time.Time { return clock }

	rl.Allow("k")
	rl.Allow("k")
	if rl.Allow("k") {
		t.Fatal("burst should be spent")
	}

	// One second refills one token at 1/s.
	clock = clock.Add(time.Second)
	if !rl.Allow("k") {
		t.Fatal("one token should have refilled after 1s")
	}
	if rl.Allow("k") {
		t.Fatal("refill should not exceed elapsed * rate")
	}

	// A long idle stretch caps at the burst, not beyond.
	clock = clock.Add(time.Hour)
	if !rl.Allow("k") || !rl.Allow("k") {
		t.Fatal("bucket should refill to full burst")
	}
	if rl.Allow("k") {
		t.Fatal("refill must cap at burst capacity")
	}
}

func TestRateLimiterZeroBurst(t *testing.T) {
	rl := NewRateLimiter(0, 1, time.Minute)
	if rl.Allow("k") {
		t.Fatal("zero burst should refuse everything")
	}
}

func TestRateLimiterSweep(t *testing.T) {
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(60, 1, 10*time.Minute)
	rl.now = func() time.Time { return clock }

	rl.Allow("stale")
	clock = clock.Add(9 * time.Minute)
	rl.Allow("fresh")
	if got := rl.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}

	// "stale" is now 11 minutes idle, "fresh" only 2.
	clock = clock.Add(2 * time.Minute)
	if got := rl.Sweep(); got != 1 {
		t.Fatalf("Sweep evicted %d buckets, want 1", got)
	}
	if got := rl.Len(); got != 1 {
		t.Fatalf("Len after sweep = %d, want 1", got)
	}

	// The surviving bucket keeps its state.
	if !rl.Allow("fresh") {
		t.Fatal("surviving bucket should still have tokens")
	}
}
