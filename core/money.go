package core

import (
	"github.com/shopspring/decimal"
)

const monetaryPrecision int32 = 4 // 4 decimal places for bid amounts (0.0001 precision)

// AmountMeetsPrice returns true if amount meets or exceeds price.
// Uses decimal arithmetic with monetaryPrecision to avoid floating-point errors.
func AmountMeetsPrice(amount, price float64) bool {
	amountDecimal := decimal.NewFromFloat(amount).Round(monetaryPrecision)
	priceDecimal := decimal.NewFromFloat(price).Round(monetaryPrecision)

	return amountDecimal.GreaterThanOrEqual(priceDecimal)
}

// AmountExceeds returns true if amount is strictly greater than limit at
// monetary precision.
func AmountExceeds(amount, limit float64) bool {
	amountDecimal := decimal.NewFromFloat(amount).Round(monetaryPrecision)
	limitDecimal := decimal.NewFromFloat(limit).Round(monetaryPrecision)

	return amountDecimal.GreaterThan(limitDecimal)
}

// AddAmounts sums two monetary amounts with decimal arithmetic and returns
// the result as a float64 rounded to monetary precision.
func AddAmounts(a, b float64) float64 {
	sum := decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).Round(monetaryPrecision)
	out, _ := sum.Float64()
	return out
}

// MulAmount scales a monetary amount by a factor with decimal arithmetic
// and returns the result rounded to monetary precision. Plain float
// multiplication leaves representation noise in prices (35 * 1.1 is not
// exactly 38.5 in float64).
func MulAmount(amount, factor float64) float64 {
	scaled := decimal.NewFromFloat(amount).Mul(decimal.NewFromFloat(factor)).Round(monetaryPrecision)
	out, _ := scaled.Float64()
	return out
}

// MinAmount returns the smaller of two monetary amounts at monetary precision.
func MinAmount(a, b float64) float64 {
	if AmountExceeds(a, b) {
		return b
	}
	return a
}
