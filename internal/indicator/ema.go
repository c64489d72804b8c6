// Package indicator computes trend indicators over closing-price series.
package indicator

// EMA returns the exponential moving average of values with smoothing
// factor 2/(span+1). The first output equals the first input and no bias
// adjustment is applied, so the result has the same length as values.
func EMA(values []float64, span int) []float64 {
	if len(values) == 0 || span <= 0 {
		return nil
	}

	k := 2.0 / float64(span+1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// Latest returns the last EMA value of values. ok is false when fewer than
// span observations are available.
func Latest(values []float64, span int) (float64, bool) {
	if span <= 0 || len(values) < span {
		return 0, false
	}
	ema := EMA(values, span)
	return ema[len(ema)-1], true
}

// IsAboveEMA reports whether the most recent value is strictly above its
// span-period EMA. Short series are never above.
func IsAboveEMA(values []float64, span int) bool {
	last, ok := Latest(values, span)
	if !ok {
		return false
	}
	return values[len(values)-1] > last
}

// IsBelowEMA reports whether the most recent value is strictly below its
// span-period EMA. Unlike IsAboveEMA any non-empty series qualifies, since
// the EMA is seeded from the first value.
func IsBelowEMA(values []float64, span int) bool {
	ema := EMA(values, span)
	if len(ema) == 0 {
		return false
	}
	return values[len(values)-1] < ema[len(ema)-1]
}
