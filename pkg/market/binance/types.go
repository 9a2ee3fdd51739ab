package market

// Kline is one Binance candlestick as returned by /api/v3/klines.
type Kline struct {
	Symbol         string
	OpenTime       int64 // ms
	Open           float64
	High           float64
	Low            float64
	Close          float64
	Volume         float64
	CloseTime      int64 // ms
	QuoteVolume    float64
	NumberOfTrades int
}

// Closed reports whether the kline had finished at nowMs.
func (k Kline) Closed(nowMs int64) bool {
	return k.CloseTime < nowMs
}
