// Package pricing provides pure route pricing rules and resolution.
// Rules match (method, path) pairs with wildcard-glob patterns and
// resolve to a fixed-point price, optionally adjusted by payer volume
// tier, system load, or time-of-day. All functions are pure.
package pricing

import "github.com/artpar/paygate/domain/money"

// BpsOne is the basis-point representation of a 1.0x multiplier.
// All price multipliers are carried as basis points so resolution
// never performs floating-point arithmetic on amounts.
const BpsOne int64 = 10000

// Tier is a volume pricing tier (value type).
// A payer whose historical request count falls in
// [MinRequests, MaxRequests] pays Price instead of the base price.
// MaxRequests == 0 means unbounded.
type Tier struct {
	MinRequests int64
	MaxRequests int64
	Price       money.Amount
}

// Rule prices one route pattern (value type).
type Rule struct {
	Method  string // "GET", "POST", "*", or "" for any
	Pattern string // path glob: "/api/data", "/api/*", "/v1/*/items"
	Price   money.Amount

	Tiers []Tier

	// LoadMultiplierBps scales the price under load:
	// effective = 1 + load*(mult-1), with load in [0,1].
	// 0 disables load scaling; BpsOne is a no-op.
	LoadMultiplierBps int64

	// PeakHours lists UTC hours (0-23) during which PeakMultiplierBps
	// applies. Empty disables time-of-day pricing.
	PeakHours         []int
	PeakMultiplierBps int64
}

// SelectTier picks the tier for a payer's historical request count:
// the tier with the greatest MinRequests <= count whose range contains
// count. Returns the base price when no tier applies. Selection is
// deterministic, so resolving twice with the same history yields the
// same price.
func SelectTier(base money.Amount, tiers []Tier, count int64) money.Amount {
	price := base
	best := int64(-1)
	for _, t := range tiers {
		if count < t.MinRequests {
			continue
		}
		if t.MaxRequests > 0 && count > t.MaxRequests {
			continue
		}
		if t.MinRequests > best {
			best = t.MinRequests
			price = t.Price
		}
	}
	return price
}

// LoadScaleBps returns the basis-point scale for the current load.
// load is clamped to [0,1]; multBps is the configured load multiplier.
func LoadScaleBps(multBps int64, load float64) int64 {
	if multBps == 0 || multBps == BpsOne {
		return BpsOne
	}
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	// 1 + load*(mult-1), computed in basis points. The gauge itself is
	// a float but it only ever scales the factor, never the amount.
	return BpsOne + int64(load*float64(multBps-BpsOne))
}

// IsPeakHour reports whether hourUTC is listed in hours.
func IsPeakHour(hours []int, hourUTC int) bool {
	for _, h := range hours {
		if h == hourUTC {
			return true
		}
	}
	return false
}

// Apply resolves the final price for a rule given the payer's request
// count, the current load gauge, and the current UTC hour.
func Apply(r Rule, requestCount int64, load float64, hourUTC int) money.Amount {
	price := SelectTier(r.Price, r.Tiers, requestCount)

	if scale := LoadScaleBps(r.LoadMultiplierBps, load); scale != BpsOne {
		price = price.MulRatio(scale, BpsOne)
	}

	if r.PeakMultiplierBps != 0 && r.PeakMultiplierBps != BpsOne && IsPeakHour(r.PeakHours, hourUTC) {
		price = price.MulRatio(r.PeakMultiplierBps, BpsOne)
	}

	return price
}
