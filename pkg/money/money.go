// Package money converts between decimal euro amounts and integer minor units.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ToCents converts a decimal amount to minor units. Amounts with more than two
// fractional digits are rejected rather than rounded.
func ToCents(amount decimal.Decimal) (int64, error) {
	scaled := amount.Mul(hundred)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than 2 decimal places", amount.String())
	}
	return scaled.IntPart(), nil
}

// FromCents converts minor units back to a two-decimal amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Format renders minor units as a fixed two-decimal string, e.g. "3.00".
func Format(cents int64) string {
	return FromCents(cents).StringFixed(2)
}

// Parse reads a decimal amount string and converts it to minor units.
func Parse(raw string) (int64, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return ToCents(amount)
}
