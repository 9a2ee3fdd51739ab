package indicators

import "math"

// TrueRange returns the per-bar true range. The first bar has no previous
// close, so its range is high-low.
func TrueRange(high, low, close []float64) []float64 {
	if len(high) != len(close) || len(low) != len(close) {
		return nil
	}
	tr := make([]float64, len(close))
	for i := range close {
		hl := high[i] - low[i]
		if i == 0 {
			tr[i] = hl
			continue
		}
		hc := math.Abs(high[i] - close[i-1])
		lc := math.Abs(low[i] - close[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	return tr
}

// ATR computes the Average True Range with Wilder smoothing. The first
// defined reading is at index period and equals the mean of TR[1..period].
// Mismatched input lengths yield an all-undefined series.
func ATR(high, low, close []float64, period int) Series {
	out := make(Series, len(close))
	if period <= 0 || len(close) < period+1 {
		return out
	}
	tr := TrueRange(high, low, close)
	if tr == nil {
		return out
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	prev := sum / float64(period)
	out[period] = Defined(prev)

	p := float64(period)
	for i := period + 1; i < len(close); i++ {
		prev = (prev*(p-1) + tr[i]) / p
		out[i] = Defined(prev)
	}
	return out
}
