package ratelimit_test

import (
	"testing"
	"time"

	"github.com/artpar/paygate/domain/ratelimit"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCheckFreshWindow(t *testing.T) {
	cfg := ratelimit.Config{Limit: 3, Window: time.Minute}

	result, state := ratelimit.Check(ratelimit.WindowState{}, cfg, t0)
	if !result.Allowed {
		t.Fatal("first request should be allowed")
	}
	if result.Remaining != 2 {
		t.Errorf("Remaining = %d, want 2", result.Remaining)
	}
	if !state.WindowStart.Equal(t0) {
		t.Errorf("WindowStart = %v, want %v", state.WindowStart, t0)
	}
	if !state.WindowEnd.Equal(t0.Add(time.Minute)) {
		t.Errorf("WindowEnd = %v, want %v", state.WindowEnd, t0.Add(time.Minute))
	}
	if !result.ResetAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("ResetAt = %v, want %v", result.ResetAt, t0.Add(time.Minute))
	}
}

func TestCheckNeverAdmitsOverLimit(t *testing.T) {
	cfg := ratelimit.Config{Limit: 100, Window: time.Hour}

	var state ratelimit.WindowState
	var result ratelimit.CheckResult
	admitted := 0
	for i := 0; i < 150; i++ {
		now := t0.Add(time.Duration(i) * time.Second)
		result, state = ratelimit.Check(state, cfg, now)
		if result.Allowed {
			admitted++
		}
	}

	if admitted != 100 {
		t.Errorf("admitted %d requests, want exactly 100", admitted)
	}
	if result.Allowed {
		t.Error("150th request should be rejected")
	}
	if result.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", result.RetryAfter)
	}
}

func TestCheckExceededSticky(t *testing.T) {
	cfg := ratelimit.Config{Limit: 1, Window: time.Minute}

	_, state := ratelimit.Check(ratelimit.WindowState{}, cfg, t0)
	result, state := ratelimit.Check(state, cfg, t0.Add(time.Second))
	if result.Allowed {
		t.Fatal("second request should exceed limit 1")
	}
	if !state.Exceeded {
		t.Error("Exceeded should be set")
	}

	// Still rejected for the remainder of the window.
	result, _ = ratelimit.Check(state, cfg, t0.Add(30*time.Second))
	if result.Allowed {
		t.Error("exceeded state should be sticky within the window")
	}
	if want := 30 * time.Second; result.RetryAfter != want {
		t.Errorf("RetryAfter = %v, want %v", result.RetryAfter, want)
	}
}

func TestCheckWindowRollover(t *testing.T) {
	cfg := ratelimit.Config{Limit: 1, Window: time.Minute}

	_, state := ratelimit.Check(ratelimit.WindowState{}, cfg, t0)
	_, state = ratelimit.Check(state, cfg, t0.Add(time.Second)) // exceeded

	// Window elapses: counter resets, exceeded cleared.
	result, state := ratelimit.Check(state, cfg, t0.Add(61*time.Second))
	if !result.Allowed {
		t.Fatal("request after rollover should be allowed")
	}
	if state.Count != 1 || state.Exceeded {
		t.Errorf("state after rollover = %+v, want count 1, not exceeded", state)
	}
}

func TestCheckCountMonotonic(t *testing.T) {
	cfg := ratelimit.Config{Limit: 5, Window: time.Minute}

	var state ratelimit.WindowState
	prev := int64(0)
	for i := 0; i < 10; i++ {
		_, state = ratelimit.Check(state, cfg, t0.Add(time.Duration(i)*time.Second))
		if state.Count <= prev {
			t.Fatalf("count not monotonically increasing: %d -> %d", prev, state.Count)
		}
		prev = state.Count
	}
}

func TestKey(t *testing.T) {
	if got := ratelimit.Key("0xabc", "GET /api/data"); got != "0xabc|GET /api/data" {
		t.Errorf("Key = %q", got)
	}
}
