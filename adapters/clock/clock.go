// Package clock implements the Clock port. Everything that reads time
// in the gateway (rate limit windows, pricing peak hours, webhook
// retry scheduling) goes through it, so tests can drive time with Fake
// instead of sleeping.
package clock

import (
	"sync"
	"time"
)

// Real reads the system clock.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

// Fake is a manually driven clock. Safe for concurrent use.
type Fake struct {
	mu      sync.RWMutex
	current time.Time
}

// NewFake creates a fake clock pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{current: t}
}

func (f *Fake) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Set jumps the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = t
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}
