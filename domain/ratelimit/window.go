// Package ratelimit provides pure sliding-window rate limiting.
// All functions are deterministic - same input always produces same output.
// State persistence and per-key atomicity live in the store adapters.
package ratelimit

import "time"

// WindowState is the counter state for one (payer, route) key
// (value type). A state lives for one window and is replaced by a
// fresh one when the window elapses.
type WindowState struct {
	WindowStart time.Time // when the current window opened
	WindowEnd   time.Time // when it rolls over
	Count       int64     // requests consumed in the window
	Exceeded    bool      // sticky once the limit is crossed
}

// Config holds rate limit configuration (value type).
type Config struct {
	Limit  int64         // requests per window
	Window time.Duration // window duration
}

// CheckResult is the outcome of a rate limit check (value type).
type CheckResult struct {
	Allowed    bool
	Limit      int64 // configured requests per window
	Remaining  int64
	ResetAt    time.Time     // when the window rolls over
	RetryAfter time.Duration // 0 when allowed
}

// Key builds the store key for a (payer, route) pair.
func Key(payer, route string) string {
	return payer + "|" + route
}

// Check consumes one request from the window and reports the outcome.
// The caller persists the returned state.
// A fresh window starts when the state is empty or the previous window
// has elapsed; the count resets to zero atomically with the rollover.
// Within a window the count only grows, and once the limit is crossed
// Exceeded stays set until the window ends.
func Check(state WindowState, cfg Config, now time.Time) (CheckResult, WindowState) {
	if state.WindowEnd.IsZero() || !now.Before(state.WindowEnd) {
		state = WindowState{WindowStart: now, WindowEnd: now.Add(cfg.Window)}
	}

	resetAt := state.WindowEnd

	state.Count++
	if state.Count > cfg.Limit {
		state.Exceeded = true
	}

	if state.Exceeded {
		retry := resetAt.Sub(now)
		if retry < 0 {
			retry = 0
		}
		return CheckResult{
			Allowed:    false,
			Limit:      cfg.Limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retry,
		}, state
	}

	return CheckResult{
		Allowed:   true,
		Limit:     cfg.Limit,
		Remaining: cfg.Limit - state.Count,
		ResetAt:   resetAt,
	}, state
}
