package indicators

// RSI computes the Relative Strength Index using Wilder smoothing. The first
// defined reading is at index period. A window with no losses reads 100.
func RSI(values []float64, period int) Series {
	out := make(Series, len(values))
	if period <= 0 || len(values) < period+1 {
		return out
	}

	gainSum, lossSum := 0.0, 0.0
	for i := 1; i <= period; i++ {
		g, l := split(values[i] - values[i-1])
		gainSum += g
		lossSum += l
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	out[period] = Defined(rsiFrom(avgGain, avgLoss))

	p := float64(period)
	for i := period + 1; i < len(values); i++ {
		g, l := split(values[i] - values[i-1])
		avgGain = (avgGain*(p-1) + g) / p
		avgLoss = (avgLoss*(p-1) + l) / p
		out[i] = Defined(rsiFrom(avgGain, avgLoss))
	}
	return out
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
