package trader

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// entryPrice returns reference × (1 + buffer) rounded to two decimals.
func entryPrice(reference, buffer float64) float64 {
	return decimal.NewFromFloat(reference).
		Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(buffer))).
		Round(2).
		InexactFloat64()
}

// roundPrice rounds a quoted price to two decimals.
func roundPrice(p float64) float64 {
	return decimal.NewFromFloat(p).Round(2).InexactFloat64()
}

// quantityFor returns how many whole shares tradeCap buys at price.
func quantityFor(tradeCap, price float64) int64 {
	if price <= 0 || tradeCap <= 0 {
		return 0
	}
	return decimal.NewFromFloat(tradeCap).Div(decimal.NewFromFloat(price)).Floor().IntPart()
}

// percentChange returns (to - from) / from × 100. ok is false when from is zero.
func percentChange(from, to float64) (decimal.Decimal, bool) {
	base := decimal.NewFromFloat(from)
	if base.IsZero() {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(to).Sub(base).Div(base).Mul(hundred), true
}
