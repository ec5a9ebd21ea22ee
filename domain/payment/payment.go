// Package payment provides value types and pure functions for the
// pay-per-call protocol: client payment proofs, verification results,
// durable payment records, and the x402 wire formats.
// All types are immutable values; all functions are pure.
package payment

import (
	"time"

	"github.com/artpar/paygate/domain/money"
)

// ErrorKind classifies why a payment was not accepted.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindPaymentMissing      ErrorKind = "payment_missing"
	KindPaymentInvalid      ErrorKind = "payment_invalid"
	KindPaymentInsufficient ErrorKind = "payment_insufficient"
	KindUnsupportedNetwork  ErrorKind = "unsupported_network"
	KindUnsupportedAsset    ErrorKind = "unsupported_asset"
	KindTxNotFound          ErrorKind = "transaction_not_found"
	KindTxFailed            ErrorKind = "transaction_failed"
	KindVerifierUnavailable ErrorKind = "verifier_unavailable"
	KindRateLimited         ErrorKind = "rate_limited"
)

// HTTPStatus maps an error kind to the gateway response status.
// Verification outages fail closed with a retryable 502; everything
// payment-shaped is a 402 so a client agent can self-correct.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindNone:
		return 200
	case KindRateLimited:
		return 429
	case KindVerifierUnavailable:
		return 502
	default:
		return 402
	}
}

// Retryable reports whether the client should retry the identical
// request later without changing the payment.
func (k ErrorKind) Retryable() bool {
	return k == KindVerifierUnavailable || k == KindRateLimited
}

// Proof is a client-submitted payment proof decoded from the
// X-Payment header. Immutable once parsed.
type Proof struct {
	Payer   string `json:"payer"`   // payer wallet address
	TxHash  string `json:"txHash"`  // settlement transaction hash
	Network string `json:"network"` // CAIP-2 id, e.g. "eip155:8453"
	Asset   string `json:"asset"`   // asset symbol, e.g. "USDC"
	Amount  string `json:"amount"`  // claimed amount, boundary format
}

// Requirement is what the gateway demands before admitting a request.
type Requirement struct {
	Price   money.Amount
	PayTo   string // recipient wallet address
	Network string // CAIP-2 id
	Asset   string
}

// VerificationResult is the normalized outcome of verifying a proof.
// Only the verifier layer constructs these.
type VerificationResult struct {
	Valid  bool
	Payer  string
	Amount money.Amount // amount actually transferred, normalized
	TxHash string
	Kind   ErrorKind // set when Valid is false
}

// Invalid builds a failed result with the given kind.
func Invalid(kind ErrorKind) VerificationResult {
	return VerificationResult{Valid: false, Kind: kind}
}

// Record is a durable payment record owned by the metering engine.
// Records are append-only; only the Settled flag ever changes.
type Record struct {
	ID        string       `json:"id"`
	Payer     string       `json:"payer"`
	Route     string       `json:"route"` // "GET /api/data"
	Amount    money.Amount `json:"-"`
	AmountStr string       `json:"amount"` // boundary format for JSON
	Asset     string       `json:"asset"`
	Network   string       `json:"network"`
	TxHash    string       `json:"txHash,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Settled   bool         `json:"settled"`
	Failure   string       `json:"failure,omitempty"` // error kind for failed attempts
}

// NewRecord builds a payment record for an accepted verification.
func NewRecord(id, route string, v VerificationResult, asset, network string, now time.Time) Record {
	return Record{
		ID:        id,
		Payer:     v.Payer,
		Route:     route,
		Amount:    v.Amount,
		AmountStr: money.Format(v.Amount),
		Asset:     asset,
		Network:   network,
		TxHash:    v.TxHash,
		Timestamp: now,
	}
}

// NewFailedRecord builds a payment record for a rejected attempt.
// Failed attempts are recorded too so operators can see rejected
// traffic per payer and route.
func NewFailedRecord(id, route string, proof Proof, kind ErrorKind, currency string, now time.Time) Record {
	return Record{
		ID:        id,
		Payer:     proof.Payer,
		Route:     route,
		Amount:    money.Zero(currency),
		AmountStr: money.Format(money.Zero(currency)),
		Asset:     proof.Asset,
		Network:   proof.Network,
		TxHash:    proof.TxHash,
		Timestamp: now,
		Failure:   string(kind),
	}
}

// MarkSettled flips the settled flag.
func MarkSettled(r Record) Record {
	r.Settled = true
	return r
}
