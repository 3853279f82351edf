// Package nums holds the precision helpers shared by every component that
// touches venue prices or quantities: step/tick rounding, decimal to
// asset-scaled unit conversion, and display formatting.
//
// All rounding here truncates toward zero. The venue rejects payloads whose
// price is not a tick multiple or whose quantity is not a step multiple, so
// under-estimating is always the safe direction.
package nums

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// RoundDownToStep floors d to the nearest multiple of step.
// A zero or negative step returns d unchanged.
func RoundDownToStep(d, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return d
	}
	q := d.Div(step).Floor()
	return q.Mul(step)
}

// RoundToTick floors a price to the nearest tick multiple.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	return RoundDownToStep(price, tick)
}

// RoundDownToDecimals truncates d to at most n fractional digits.
func RoundDownToDecimals(d decimal.Decimal, n int32) decimal.Decimal {
	return d.Truncate(n)
}

// ToUnits converts a decimal value into integer units scaled by 10^decimals,
// truncating any precision beyond the asset's scale.
func ToUnits(d decimal.Decimal, decimals int32) *big.Int {
	scaled := d.Truncate(decimals).Shift(decimals)
	return scaled.BigInt()
}

// FromUnits converts integer units scaled by 10^decimals back to a decimal.
func FromUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, 0).Shift(-decimals)
}

// ParseDecimal parses a decimal string, rejecting negatives and empty input.
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty decimal string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("negative not supported: %q", s)
	}
	return d, nil
}

// FormatForDisplay renders d with at most maxDecimals fractional digits and
// trailing zeros trimmed, so logs show "1.5" rather than "1.50000000".
func FormatForDisplay(d decimal.Decimal, maxDecimals int32) string {
	s := d.Truncate(maxDecimals).String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

// StepFromDecimals returns the implied step for a precision, e.g. 3 -> 0.001.
func StepFromDecimals(decimals int32) decimal.Decimal {
	return decimal.New(1, -decimals)
}
