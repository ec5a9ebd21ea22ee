package chain

import (
	"context"

	"github.com/artpar/paygate/domain/payment"
	"github.com/artpar/paygate/ports"
)

// Verifier adapts a ChainClient to the Verifier port: the proof is
// checked directly against on-chain transfer evidence, no facilitator
// in between.
type Verifier struct {
	client ports.ChainClient
}

// NewVerifier wraps a chain client as a payment verifier.
func NewVerifier(client ports.ChainClient) *Verifier {
	return &Verifier{client: client}
}

// Verify resolves the proof's transaction on the proof's network and
// compares the transferred amount against the requirement.
func (v *Verifier) Verify(ctx context.Context, proof payment.Proof, req payment.Requirement) (payment.VerificationResult, error) {
	if !v.client.SupportsNetwork(proof.Network) {
		return payment.Invalid(payment.KindUnsupportedNetwork), nil
	}
	return v.client.VerifyTransfer(ctx, proof.Network, proof.Asset, proof.TxHash, req)
}

var _ ports.Verifier = (*Verifier)(nil)
