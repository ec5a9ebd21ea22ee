// Package facilitator implements payment verification through a remote
// x402 facilitator service. The facilitator does the on-chain lookups;
// this client just posts the proof and maps the response. Any transport
// failure or timeout surfaces as verifier_unavailable so the gateway
// fails closed.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/paygate/domain/money"
	"github.com/artpar/paygate/domain/payment"
	"github.com/artpar/paygate/ports"
)

const defaultTimeout = 10 * time.Second

// Config configures the facilitator client.
type Config struct {
	URL     string        // verify endpoint, e.g. https://facilitator.example/verify
	APIKey  string        // optional bearer token
	Timeout time.Duration // request timeout (default 10s)
}

// Client verifies payments against a remote facilitator.
type Client struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

// New creates a facilitator client with a shared HTTP client.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// verifyRequest is the wire format posted to the facilitator.
type verifyRequest struct {
	Payment       payment.Proof `json:"payment"`
	ExpectedPrice string        `json:"expectedPrice"`
	ExpectedPayTo string        `json:"expectedPayTo"`
	Network       string        `json:"network"`
	Asset         string        `json:"asset"`
}

// verifyResponse is the facilitator's answer.
type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Payer  string `json:"payer"`
	Amount string `json:"amount"`
	TxHash string `json:"txHash"`
	Error  string `json:"error,omitempty"`
}

// Verify posts the proof to the facilitator and maps its response onto
// a verification result. Network errors, timeouts, and non-2xx
// statuses all map to verifier_unavailable, never to acceptance.
func (c *Client) Verify(ctx context.Context, proof payment.Proof, req payment.Requirement) (payment.VerificationResult, error) {
	body, err := json.Marshal(verifyRequest{
		Payment:       proof,
		ExpectedPrice: money.Format(req.Price),
		ExpectedPayTo: req.PayTo,
		Network:       req.Network,
		Asset:         req.Asset,
	})
	if err != nil {
		return payment.VerificationResult{}, fmt.Errorf("marshal verify request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return payment.VerificationResult{}, fmt.Errorf("build verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", c.cfg.URL).Msg("facilitator request failed")
		return payment.Invalid(payment.KindVerifierUnavailable), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("url", c.cfg.URL).
			Msg("facilitator returned non-success status")
		return payment.Invalid(payment.KindVerifierUnavailable), nil
	}

	var vr verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&vr); err != nil {
		c.logger.Warn().Err(err).Msg("facilitator response undecodable")
		return payment.Invalid(payment.KindVerifierUnavailable), nil
	}

	if !vr.Valid {
		result := payment.Invalid(mapFacilitatorError(vr.Error))
		result.Payer = vr.Payer
		result.TxHash = vr.TxHash
		return result, nil
	}

	amount := req.Price
	if vr.Amount != "" {
		if parsed, perr := money.Parse(vr.Amount); perr == nil {
			amount = parsed
		}
	}
	return payment.VerificationResult{
		Valid:  true,
		Payer:  vr.Payer,
		Amount: amount,
		TxHash: vr.TxHash,
	}, nil
}

// mapFacilitatorError maps the facilitator's error string onto a local
// error kind. Unknown strings degrade to payment_invalid.
func mapFacilitatorError(s string) payment.ErrorKind {
	switch payment.ErrorKind(s) {
	case payment.KindPaymentInsufficient,
		payment.KindUnsupportedNetwork,
		payment.KindUnsupportedAsset,
		payment.KindTxNotFound,
		payment.KindTxFailed,
		payment.KindVerifierUnavailable:
		return payment.ErrorKind(s)
	default:
		return payment.KindPaymentInvalid
	}
}

var _ ports.Verifier = (*Client)(nil)

// AcceptAll is a development-only verifier that accepts every proof at
// face value. It must never be wired outside a development config.
type AcceptAll struct{}

// Verify trusts the proof's own claims.
func (AcceptAll) Verify(_ context.Context, proof payment.Proof, req payment.Requirement) (payment.VerificationResult, error) {
	amount := req.Price
	if proof.Amount != "" {
		if parsed, err := money.Parse(proof.Amount); err == nil {
			amount = parsed
		}
	}
	return payment.VerificationResult{
		Valid:  true,
		Payer:  proof.Payer,
		Amount: amount,
		TxHash: proof.TxHash,
	}, nil
}

var _ ports.Verifier = AcceptAll{}
