package money

import "github.com/shopspring/decimal"

// Decimal is the fixed-precision type used for every price, amount, and
// USD value in the trading path. Floating point is forbidden there:
// decimal.Decimal carries arbitrary precision (shopspring/decimal stores
// an unscaled *big.Int plus an int32 exponent) and exact decimal rounding
// modes, unlike float64.
type Decimal = decimal.Decimal

// Zero is the additive identity, exported for readability at call sites.
var Zero = decimal.Zero

// RoundingMode mirrors the venue-declared rounding behavior for a symbol's
// price or amount (spec.md C2 "price/amount rounding modes").
type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
	RoundNearest
)

// RoundToStep rounds v to the nearest multiple of step using mode. step
// must be positive; a zero or negative step is treated as "no rounding".
func RoundToStep(v, step Decimal, mode RoundingMode) Decimal {
	if step.Sign() <= 0 {
		return v
	}

	quotient := v.Div(step)
	var rounded Decimal
	switch mode {
	case RoundDown:
		rounded = quotient.Floor()
	case RoundUp:
		rounded = quotient.Ceil()
	default:
		rounded = quotient.Round(0)
	}
	return rounded.Mul(step)
}

// FromFloat is a narrow escape hatch for constructing a Decimal from a
// float64 literal (configuration values, test fixtures). It must never be
// used on a value that has passed through exchange arithmetic.
func FromFloat(f float64) Decimal {
	return decimal.NewFromFloat(f)
}

// ParseDecimal parses a decimal string exactly, with no float64
// round-trip. Every price/amount string arriving from a venue's wire
// format must go through this, not FromFloat.
func ParseDecimal(s string) (Decimal, error) {
	return decimal.NewFromString(s)
}
