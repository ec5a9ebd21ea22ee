// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/paygate/domain/payment"
	"github.com/artpar/paygate/domain/ratelimit"
)

// ErrNotFound is wrapped by store implementations when a record does
// not exist, so callers can errors.Is across backends.
var ErrNotFound = errors.New("not found")

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// RateLimitStore persists rate limit window state.
// A distributed deployment can back this with an external atomic
// counter service without changing call sites.
type RateLimitStore interface {
	// Get retrieves current window state for a key.
	Get(ctx context.Context, key string) (ratelimit.WindowState, error)

	// Set updates window state for a key.
	Set(ctx context.Context, key string, state ratelimit.WindowState) error

	// CheckAndConsume atomically loads the state, consumes one request,
	// and persists the new state. Concurrent calls on the same key are
	// serialized; different keys proceed in parallel.
	CheckAndConsume(ctx context.Context, key string, cfg ratelimit.Config, now time.Time) (ratelimit.CheckResult, error)

	// Delete removes state for a key.
	Delete(ctx context.Context, key string) error
}

// PaymentStore persists payment records.
// Records are append-only; only the settled flag is ever updated.
type PaymentStore interface {
	// Create stores a new payment record.
	Create(ctx context.Context, rec payment.Record) error

	// Get retrieves a record by ID.
	Get(ctx context.Context, id string) (payment.Record, error)

	// MarkSettled flips the settled flag on a record.
	MarkSettled(ctx context.Context, id string) (payment.Record, error)

	// ListRecent returns the most recent records, newest first.
	ListRecent(ctx context.Context, limit int) ([]payment.Record, error)

	// CountByPayerRoute returns how many accepted payments a payer has
	// made against a route. Used for volume tier selection.
	CountByPayerRoute(ctx context.Context, payer, route string) (int64, error)
}

// -----------------------------------------------------------------------------
// Verification Ports
// -----------------------------------------------------------------------------

// Verifier turns a client payment proof into a verification result.
// Implementations: remote facilitator client, on-chain verifier, and
// the development-only accept-all verifier.
type Verifier interface {
	// Verify checks a proof against a requirement. Infrastructure
	// outages surface as results with KindVerifierUnavailable, not as
	// errors; err is reserved for programming errors.
	Verify(ctx context.Context, proof payment.Proof, req payment.Requirement) (payment.VerificationResult, error)
}

// ChainClient reads ERC-20 transfer evidence from EVM networks.
type ChainClient interface {
	// VerifyTransfer checks that the transaction identified by txHash
	// on the given CAIP-2 network transferred at least expectedAmount
	// of asset to recipient, summing split transfer events.
	VerifyTransfer(ctx context.Context, network, asset, txHash string, req payment.Requirement) (payment.VerificationResult, error)

	// SupportsNetwork reports whether a network is configured.
	SupportsNetwork(network string) bool
}

// -----------------------------------------------------------------------------
// Event Ports
// -----------------------------------------------------------------------------

// WebhookDispatcher accepts payment events for asynchronous delivery.
// Dispatch must never block the request path.
type WebhookDispatcher interface {
	// Dispatch queues a payment event for delivery.
	Dispatch(eventType string, rec payment.Record)

	// Close stops the dispatcher and abandons pending deliveries.
	Close() error
}
