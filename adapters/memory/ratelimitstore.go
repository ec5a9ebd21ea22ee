// Package memory provides in-memory implementations of storage ports.
// They are the single-instance defaults; multi-instance deployments
// swap in an external store behind the same port.
package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/artpar/paygate/domain/ratelimit"
	"github.com/artpar/paygate/ports"
)

// rateLimitShard is a single shard of the rate limit store.
type rateLimitShard struct {
	mu    sync.RWMutex
	state map[string]ratelimit.WindowState
}

// RateLimitStore is a sharded in-memory rate limit store.
// Sharding reduces lock contention: updates to one key serialize on
// its shard while other keys proceed in parallel.
type RateLimitStore struct {
	shards    []*rateLimitShard
	numShards int
	cleanup   *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// RateLimitConfig configures the in-memory rate limit store.
type RateLimitConfig struct {
	NumShards       int           // default 32
	CleanupInterval time.Duration // how often to drop elapsed windows (default 5m)
}

// NewRateLimitStore creates a new sharded in-memory rate limit store.
func NewRateLimitStore(cfg RateLimitConfig) *RateLimitStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	s := &RateLimitStore{
		shards:    make([]*rateLimitShard, cfg.NumShards),
		numShards: cfg.NumShards,
		done:      make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &rateLimitShard{state: make(map[string]ratelimit.WindowState)}
	}

	s.cleanup = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s
}

func (s *RateLimitStore) getShard(key string) *rateLimitShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// Get retrieves current window state for a key.
func (s *RateLimitStore) Get(ctx context.Context, key string) (ratelimit.WindowState, error) {
	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.state[key], nil
}

// Set updates window state for a key.
func (s *RateLimitStore) Set(ctx context.Context, key string, state ratelimit.WindowState) error {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.state[key] = state
	return nil
}

// CheckAndConsume atomically loads, checks, and persists the window
// state under the shard lock.
func (s *RateLimitStore) CheckAndConsume(ctx context.Context, key string, cfg ratelimit.Config, now time.Time) (ratelimit.CheckResult, error) {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	result, newState := ratelimit.Check(shard.state[key], cfg, now)
	shard.state[key] = newState
	return result, nil
}

// Delete removes state for a key.
func (s *RateLimitStore) Delete(ctx context.Context, key string) error {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.state, key)
	return nil
}

func (s *RateLimitStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.doCleanup()
		case <-s.done:
			return
		}
	}
}

// doCleanup drops state whose window ended more than an hour ago.
// Keying off the window end keeps long-lived windows alive: evicting
// by start time would reset an exhausted counter mid-window.
func (s *RateLimitStore) doCleanup() {
	cutoff := time.Now().Add(-time.Hour)
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, state := range shard.state {
			if !state.WindowEnd.IsZero() && state.WindowEnd.Before(cutoff) {
				delete(shard.state, key)
			}
		}
		shard.mu.Unlock()
	}
}

// Close stops the cleanup goroutine.
func (s *RateLimitStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cleanup.Stop()
	})
	return nil
}

// Len returns the total number of tracked keys (for testing).
func (s *RateLimitStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		total += len(shard.state)
		shard.mu.RUnlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.RateLimitStore = (*RateLimitStore)(nil)
