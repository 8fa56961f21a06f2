// Package money holds the minor-unit arithmetic used everywhere inside the
// engine. Amounts are int64 cents; quantities are shopspring decimals.
// Conversion to and from display decimals happens only at the edges.
package money

import (
	"math"

	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Primary and secondary wallet currencies.
const (
	USD = "USD"
	UYU = "UYU"
)

var hundred = decimal.NewFromInt(100)

// ToCents converts a display amount to cents, rounding half away from zero.
func ToCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// TruncCents converts a display amount to cents, dropping sub-cent digits.
// Used for provider prices.
func TruncCents(d decimal.Decimal) int64 {
	return d.Shift(2).Truncate(0).IntPart()
}

// FromCents converts cents to a display amount.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// Float converts cents to a float for presentation only.
func Float(c int64) float64 {
	return Finite(float64(c) / 100.0)
}

// Mul multiplies a quantity by a per-unit amount in cents without rounding.
// Callers accumulate the result and round once with Round.
func Mul(qty decimal.Decimal, cents int64) decimal.Decimal {
	return qty.Mul(decimal.NewFromInt(cents))
}

// Round rounds an unrounded cent amount to whole cents, half away from zero.
func Round(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// Finite coerces NaN and ±Inf to zero.
func Finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// FromFloat converts a provider float to a decimal. ok is false when the
// input was not a finite number, in which case zero is returned.
func FromFloat(f float64) (d decimal.Decimal, ok bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(f), true
}

// Percent returns num/den*100, or zero when den is not positive.
func Percent(num, den decimal.Decimal) decimal.Decimal {
	if !den.IsPositive() {
		return decimal.Zero
	}
	return num.Div(den).Mul(hundred)
}

// Format renders cents in the given currency, e.g. "$1,502.50".
func Format(cents int64, currency string) string {
	if currency == "" {
		currency = USD
	}
	return gomoney.New(cents, currency).Display()
}
