package indicators

// EMA computes the exponential moving average of values. The first defined
// reading sits at index period-1 and is seeded with the simple average of
// the first period values; later readings use multiplier 2/(period+1).
func EMA(values []float64, period int) Series {
	out := make(Series, len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	sum := 0.0
	for _, v := range values[:period] {
		sum += v
	}
	prev := sum / float64(period)
	out[period-1] = Defined(prev)

	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		prev = (values[i]-prev)*k + prev
		out[i] = Defined(prev)
	}
	return out
}
