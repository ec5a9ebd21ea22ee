package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/paygate/domain/money"
	"github.com/artpar/paygate/domain/payment"
	"github.com/artpar/paygate/domain/ratelimit"
	"github.com/artpar/paygate/ports"
)

// GatewayConfig configures the admission decision.
type GatewayConfig struct {
	PayTo             string // recipient wallet address
	Network           string // CAIP-2 id offered in 402 responses
	Asset             string // asset symbol offered in 402 responses
	Currency          string // pricing currency, e.g. "USD"
	MaxTimeoutSeconds int    // advertised payment timeout

	RateLimit ratelimit.Config // zero Limit disables rate limiting
}

// Decision is the outcome of evaluating one request.
type Decision struct {
	Admit  bool
	Status int
	Kind   payment.ErrorKind

	Price money.Amount

	// Body is the x402 response body for rejected requests.
	Body *payment.RequiredResponse

	// Record is the payment recorded for an admitted paid request.
	Record payment.Record

	// PaymentResponse is the X-Payment-Response header value for an
	// admitted paid request.
	PaymentResponse string

	// RateLimit carries limit headers when rate limiting applied.
	RateLimit *ratelimit.CheckResult
}

// GatewayService decides whether a request may pass: free routes go
// straight through, priced routes demand a verified payment proof and
// an open rate limit window. Verification failures never admit; a
// verifier outage rejects with a retryable 502 rather than letting
// traffic through unpaid.
type GatewayService struct {
	cfg      GatewayConfig
	pricing  *PricingEngine
	verifier ports.Verifier

	limitMu  sync.RWMutex
	limitCfg ratelimit.Config

	limits   ports.RateLimitStore
	metering *MeteringService
	clock    ports.Clock
	logger   zerolog.Logger
}

// NewGatewayService creates a gateway service.
func NewGatewayService(cfg GatewayConfig, pricing *PricingEngine, verifier ports.Verifier, limits ports.RateLimitStore, metering *MeteringService, clock ports.Clock, logger zerolog.Logger) *GatewayService {
	return &GatewayService{
		cfg:      cfg,
		pricing:  pricing,
		verifier: verifier,
		limitCfg: cfg.RateLimit,
		limits:   limits,
		metering: metering,
		clock:    clock,
		logger:   logger,
	}
}

// SetRateLimit swaps the rate limit configuration. Open windows keep
// their end time; the new limit applies from the next check.
func (g *GatewayService) SetRateLimit(cfg ratelimit.Config) {
	g.limitMu.Lock()
	g.limitCfg = cfg
	g.limitMu.Unlock()
}

func (g *GatewayService) rateLimit() ratelimit.Config {
	g.limitMu.RLock()
	defer g.limitMu.RUnlock()
	return g.limitCfg
}

// Evaluate runs the admission state machine for one request.
// paymentHeader is the raw X-Payment value, empty when absent.
func (g *GatewayService) Evaluate(ctx context.Context, method, path, paymentHeader string) Decision {
	route := method + " " + path

	// Decode the proof first: the payer identity feeds volume-tier
	// pricing, so the quote must see it.
	proof, proofErr := payment.DecodeProofHeader(paymentHeader)

	payer := ""
	if proofErr == nil {
		payer = proof.Payer
	}

	price, rule, err := g.pricing.Quote(ctx, method, path, payer)
	if err != nil {
		g.logger.Error().Err(err).Str("route", route).Msg("pricing quote failed")
		return Decision{Admit: false, Status: 500, Kind: payment.KindPaymentInvalid}
	}
	if rule == nil || price.IsZero() {
		// Unpriced routes are not metered and not rate limited.
		return Decision{Admit: true, Status: 200}
	}

	req := payment.Requirement{
		Price:   price,
		PayTo:   g.cfg.PayTo,
		Network: g.cfg.Network,
		Asset:   g.cfg.Asset,
	}

	if proofErr != nil {
		kind := payment.KindPaymentMissing
		if proofErr != payment.ErrNoProof {
			kind = payment.KindPaymentInvalid
		}
		return g.reject(ctx, kind, route, path, req, proof, false)
	}

	result, err := g.verifier.Verify(ctx, proof, req)
	if err != nil {
		g.logger.Error().Err(err).Str("route", route).Msg("verifier error")
		result = payment.Invalid(payment.KindVerifierUnavailable)
	}
	if !result.Valid {
		// Every verification attempt leaves a record, outages included.
		// Failed records never feed tiers or revenue, so an outage does
		// not distort a payer's pricing history.
		return g.reject(ctx, result.Kind, route, path, req, proof, true)
	}

	// The first quote trusted the claimed payer for tier history. When
	// verification derives a different payer from the transfer evidence,
	// re-quote with the verified one: a new wallet must not buy at
	// another payer's volume discount by claiming their address.
	if result.Payer != "" && result.Payer != proof.Payer {
		requote, _, err := g.pricing.Quote(ctx, method, path, result.Payer)
		if err != nil {
			g.logger.Error().Err(err).Str("route", route).Msg("pricing requote failed")
			return Decision{Admit: false, Status: 500, Kind: payment.KindPaymentInvalid}
		}
		req.Price = requote
		if result.Amount.Currency != requote.Currency || result.Amount.Cmp(requote) < 0 {
			proof.Payer = result.Payer
			return g.reject(ctx, payment.KindPaymentInsufficient, route, path, req, proof, true)
		}
	}

	if rl := g.rateLimit(); rl.Limit > 0 {
		check, err := g.limits.CheckAndConsume(ctx, ratelimit.Key(result.Payer, route), rl, g.clock.Now())
		if err != nil {
			// Fail closed when the limiter store is unreachable.
			g.logger.Error().Err(err).Str("route", route).Msg("rate limit check failed")
			return Decision{Admit: false, Status: 502, Kind: payment.KindVerifierUnavailable}
		}
		if !check.Allowed {
			d := g.reject(ctx, payment.KindRateLimited, route, path, req, proof, true)
			d.RateLimit = &check
			return d
		}

		d := g.admit(ctx, route, result, req)
		d.RateLimit = &check
		return d
	}

	return g.admit(ctx, route, result, req)
}

// admit records the verified payment and builds the accept decision.
// Metering runs on a detached context so a client that aborts the
// request cannot void a payment that already happened on chain.
func (g *GatewayService) admit(ctx context.Context, route string, result payment.VerificationResult, req payment.Requirement) Decision {
	rec, err := g.metering.RecordPayment(context.WithoutCancel(ctx), route, result, req.Asset, req.Network)
	if err != nil {
		g.logger.Error().Err(err).
			Str("route", route).
			Str("payer", result.Payer).
			Msg("failed to record payment")
		// The payment is verified; admission proceeds even if the
		// durable record failed.
	}

	return Decision{
		Admit:           true,
		Status:          200,
		Price:           req.Price,
		Record:          rec,
		PaymentResponse: payment.EncodeAccepted(payment.NewAccepted(result.TxHash)),
	}
}

func (g *GatewayService) reject(ctx context.Context, kind payment.ErrorKind, route, resource string, req payment.Requirement, proof payment.Proof, record bool) Decision {
	if record && proof.Payer != "" {
		if _, err := g.metering.RecordFailure(context.WithoutCancel(ctx), route, proof, kind, g.cfg.Currency); err != nil {
			g.logger.Error().Err(err).Str("route", route).Msg("failed to record rejected attempt")
		}
	}

	body := payment.NewRequired(kind, rejectMessage(kind), resource, req, g.cfg.MaxTimeoutSeconds)
	return Decision{
		Admit:  false,
		Status: kind.HTTPStatus(),
		Kind:   kind,
		Price:  req.Price,
		Body:   &body,
	}
}

func rejectMessage(kind payment.ErrorKind) string {
	switch kind {
	case payment.KindPaymentMissing:
		return "payment required: attach an X-Payment header"
	case payment.KindPaymentInvalid:
		return "payment proof could not be validated"
	case payment.KindPaymentInsufficient:
		return "payment amount below the required price"
	case payment.KindUnsupportedNetwork:
		return "payment network not supported"
	case payment.KindUnsupportedAsset:
		return "payment asset not supported"
	case payment.KindTxNotFound:
		return "payment transaction not found on chain"
	case payment.KindTxFailed:
		return "payment transaction did not succeed"
	case payment.KindVerifierUnavailable:
		return "payment verification temporarily unavailable, retry later"
	case payment.KindRateLimited:
		return "rate limit exceeded for this payer and route"
	default:
		return "payment required"
	}
}
