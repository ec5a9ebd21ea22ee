// Package money provides fixed-point currency arithmetic.
// Amounts are stored as integer micro-units (6 fractional digits), so
// $0.01 is 10000 units and 1 USDC is 1000000 units. Decimal strings are
// parsed and formatted only at the boundary; comparisons and arithmetic
// never touch floating point.
package money

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits in the internal unit.
// It matches the on-chain precision of USDC, so a USD amount converts
// to USDC atomic units 1:1.
const Decimals = 6

// unitScale is 10^Decimals.
const unitScale = 1_000_000

// Amount is a fixed-point monetary value (value type).
type Amount struct {
	Units    int64  // smallest-unit value, always >= 0
	Currency string // ISO-ish code: "USD", "USDC"
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Amount {
	return Amount{Currency: currency}
}

// FromUnits constructs an amount from raw smallest units.
func FromUnits(units int64, currency string) Amount {
	return Amount{Units: units, Currency: currency}
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.Units == 0
}

// Cmp compares two amounts of the same currency.
// Returns -1, 0, or +1. Comparing different currencies is a programming
// error and panics.
func (a Amount) Cmp(b Amount) int {
	if a.Currency != b.Currency {
		panic("money: cannot compare " + a.Currency + " with " + b.Currency)
	}
	switch {
	case a.Units < b.Units:
		return -1
	case a.Units > b.Units:
		return 1
	}
	return 0
}

// Add returns a + b. Both amounts must share a currency.
func (a Amount) Add(b Amount) Amount {
	if a.Currency != b.Currency {
		panic("money: cannot add " + a.Currency + " to " + b.Currency)
	}
	return Amount{Units: a.Units + b.Units, Currency: a.Currency}
}

// MulRatio scales the amount by num/den using integer arithmetic,
// rounding half up. den must be positive.
func (a Amount) MulRatio(num, den int64) Amount {
	if den <= 0 {
		panic("money: non-positive denominator")
	}
	// 64-bit overflow is possible for large prices; go through big.Int.
	v := new(big.Int).SetInt64(a.Units)
	v.Mul(v, big.NewInt(num))
	half := big.NewInt(den / 2)
	v.Add(v, half)
	v.Div(v, big.NewInt(den))
	return Amount{Units: v.Int64(), Currency: a.Currency}
}

// AtomicUnits converts the amount to on-chain atomic units for a token
// with the given number of decimals.
func (a Amount) AtomicUnits(tokenDecimals int) *big.Int {
	v := new(big.Int).SetInt64(a.Units)
	switch {
	case tokenDecimals > Decimals:
		exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tokenDecimals-Decimals)), nil)
		v.Mul(v, exp)
	case tokenDecimals < Decimals:
		exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Decimals-tokenDecimals)), nil)
		v.Div(v, exp)
	}
	return v
}

// FromAtomicUnits converts on-chain atomic units back to an Amount.
// Values beyond int64 range saturate at the maximum representable amount.
func FromAtomicUnits(v *big.Int, tokenDecimals int, currency string) Amount {
	u := new(big.Int).Set(v)
	switch {
	case tokenDecimals > Decimals:
		exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tokenDecimals-Decimals)), nil)
		u.Div(u, exp)
	case tokenDecimals < Decimals:
		exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Decimals-tokenDecimals)), nil)
		u.Mul(u, exp)
	}
	if !u.IsInt64() {
		return Amount{Units: int64(^uint64(0) >> 1), Currency: currency}
	}
	return Amount{Units: u.Int64(), Currency: currency}
}

// Errors returned by Parse.
var (
	ErrEmptyPrice   = errors.New("money: empty price string")
	ErrBadPrice     = errors.New("money: malformed price string")
	ErrNegative     = errors.New("money: negative amounts not allowed")
	ErrTooPrecise   = errors.New("money: more fractional digits than supported")
	ErrUnitOverflow = errors.New("money: amount overflows smallest-unit range")
)

// Parse parses a boundary price string into an Amount.
// Accepted forms: "$0.01" (USD), "0.01 USDC", "1.5 USD". A bare "$"
// prefix implies USD.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, ErrEmptyPrice
	}

	currency := "USD"
	switch {
	case strings.HasPrefix(s, "$"):
		s = s[1:]
	default:
		// Trailing currency code: "0.01 USDC"
		if i := strings.LastIndexByte(s, ' '); i > 0 {
			code := strings.TrimSpace(s[i+1:])
			if code == "" || !isCurrencyCode(code) {
				return Amount{}, ErrBadPrice
			}
			currency = code
			s = strings.TrimSpace(s[:i])
		}
	}

	if s == "" {
		return Amount{}, ErrBadPrice
	}
	if strings.HasPrefix(s, "-") {
		return Amount{}, ErrNegative
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return Amount{}, ErrBadPrice
	}
	if len(frac) > Decimals {
		// Reject rather than silently round: callers control precision.
		if strings.Trim(frac[Decimals:], "0") != "" {
			return Amount{}, ErrTooPrecise
		}
		frac = frac[:Decimals]
	}

	var units int64
	for _, c := range whole {
		if c < '0' || c > '9' {
			return Amount{}, ErrBadPrice
		}
		d := int64(c - '0')
		if units > (int64(^uint64(0)>>1)-d)/10 {
			return Amount{}, ErrUnitOverflow
		}
		units = units*10 + d
	}
	if units > int64(^uint64(0)>>1)/unitScale {
		return Amount{}, ErrUnitOverflow
	}
	units *= unitScale

	scale := int64(unitScale / 10)
	for _, c := range frac {
		if c < '0' || c > '9' {
			return Amount{}, ErrBadPrice
		}
		units += int64(c-'0') * scale
		scale /= 10
	}

	return Amount{Units: units, Currency: currency}, nil
}

// Format renders an amount as a boundary price string.
// USD amounts use the "$0.01" form; other currencies use "0.01 CODE".
// Trailing fractional zeros are trimmed down to two digits, so
// Parse(Format(a)) == a for every valid amount.
func Format(a Amount) string {
	whole := a.Units / unitScale
	frac := a.Units % unitScale

	digits := fmt.Sprintf("%06d", frac)
	for len(digits) > 2 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
	}

	dec := fmt.Sprintf("%d.%s", whole, digits)
	if a.Currency == "USD" {
		return "$" + dec
	}
	return dec + " " + a.Currency
}

// String implements fmt.Stringer.
func (a Amount) String() string {
	return Format(a)
}

func isCurrencyCode(s string) bool {
	if len(s) < 3 || len(s) > 8 {
		return false
	}
	for _, c := range s {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}
