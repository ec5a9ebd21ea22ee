// Package idgen provides ID generation implementations.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/artpar/paygate/ports"
)

// UUID generates UUIDs.
type UUID struct{}

// New generates a new UUID v4.
func (UUID) New() string {
	return uuid.New().String()
}

// Ensure interface compliance.
var _ ports.IDGenerator = UUID{}

// Prefixed generates UUIDs with a fixed prefix, e.g. "pay_" for
// payment records and "evt_" for webhook events.
type Prefixed struct {
	Prefix string
}

// New generates a new prefixed UUID.
func (p Prefixed) New() string {
	return p.Prefix + uuid.New().String()
}

// Ensure interface compliance.
var _ ports.IDGenerator = Prefixed{}

// Sequential generates sequential IDs (for testing).
type Sequential struct {
	prefix  string
	counter uint64
}

// NewSequential creates a sequential ID generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New generates the next sequential ID.
func (s *Sequential) New() string {
	return fmt.Sprintf("%s%d", s.prefix, atomic.AddUint64(&s.counter, 1))
}

// Reset resets the counter (for testing).
func (s *Sequential) Reset() {
	atomic.StoreUint64(&s.counter, 0)
}

// Ensure interface compliance.
var _ ports.IDGenerator = (*Sequential)(nil)
