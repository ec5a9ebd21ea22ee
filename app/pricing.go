// Package app contains the application services that orchestrate
// domain logic with stores, verifiers, and dispatchers.
package app

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/artpar/paygate/domain/money"
	"github.com/artpar/paygate/domain/pricing"
	"github.com/artpar/paygate/ports"
)

// PricingEngine resolves the effective price of a request from the
// rule set, the payer's payment history, the load gauge, and the
// clock. The matcher is swapped atomically on config reload.
type PricingEngine struct {
	matcher  atomic.Pointer[pricing.Matcher]
	payments ports.PaymentStore
	clock    ports.Clock
	loadBits atomic.Uint64 // float64 bits of the load gauge
	logger   zerolog.Logger
}

// NewPricingEngine creates a pricing engine with an initial rule set.
func NewPricingEngine(rules []pricing.Rule, payments ports.PaymentStore, clock ports.Clock, logger zerolog.Logger) (*PricingEngine, error) {
	matcher, err := pricing.NewMatcher(rules)
	if err != nil {
		return nil, err
	}
	e := &PricingEngine{
		payments: payments,
		clock:    clock,
		logger:   logger,
	}
	e.matcher.Store(matcher)
	return e, nil
}

// ReplaceRules swaps the rule set. In-flight quotes keep using the
// matcher they already resolved.
func (e *PricingEngine) ReplaceRules(rules []pricing.Rule) error {
	matcher, err := pricing.NewMatcher(rules)
	if err != nil {
		return err
	}
	e.matcher.Store(matcher)
	e.logger.Info().Int("rules", len(rules)).Msg("pricing rules replaced")
	return nil
}

// SetLoad updates the load gauge. Values outside [0,1] are clamped at
// quote time, not here, so the raw reading survives for inspection.
func (e *PricingEngine) SetLoad(load float64) {
	e.loadBits.Store(math.Float64bits(load))
}

// Load returns the current load gauge reading.
func (e *PricingEngine) Load() float64 {
	return math.Float64frombits(e.loadBits.Load())
}

// Quote resolves the price a payer owes for one call to (method, path).
// A nil rule means the route is free. An unidentified payer (no proof
// yet) quotes at zero history, which is the most expensive tier a new
// payer can see; the quote is repeated after verification with the
// real payer, and resolution is deterministic for a fixed history.
func (e *PricingEngine) Quote(ctx context.Context, method, path, payer string) (money.Amount, *pricing.Rule, error) {
	rule := e.matcher.Load().Match(method, path)
	if rule == nil {
		return money.Amount{}, nil, nil
	}

	var count int64
	if payer != "" {
		var err error
		count, err = e.payments.CountByPayerRoute(ctx, payer, method+" "+path)
		if err != nil {
			// History lookup failure degrades to base pricing rather
			// than refusing the request.
			e.logger.Warn().Err(err).Str("payer", payer).Msg("payment history lookup failed")
			count = 0
		}
	}

	now := e.clock.Now().UTC()
	price := pricing.Apply(*rule, count, e.Load(), now.Hour())
	return price, rule, nil
}
