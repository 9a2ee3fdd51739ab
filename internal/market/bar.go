package market

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoBar is returned when a feed has no bar for the requested symbol.
var ErrNoBar = errors.New("no bar available")

// Bar is a closed OHLC candle. Time is the bar open in unix seconds.
type Bar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Series is a chronologically ordered slice of bars, oldest first.
type Series []Bar

// Highs returns the high prices in order.
func (s Series) Highs() []float64 { return s.column(func(b Bar) float64 { return b.High }) }

// Lows returns the low prices in order.
func (s Series) Lows() []float64 { return s.column(func(b Bar) float64 { return b.Low }) }

// Closes returns the close prices in order.
func (s Series) Closes() []float64 { return s.column(func(b Bar) float64 { return b.Close }) }

// Last returns the newest bar and false when the series is empty.
func (s Series) Last() (Bar, bool) {
	if len(s) == 0 {
		return Bar{}, false
	}
	return s[len(s)-1], true
}

func (s Series) column(f func(Bar) float64) []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = f(b)
	}
	return out
}

var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// TimeframeDuration maps a Binance-style interval such as "1h" to its length.
func TimeframeDuration(tf string) (time.Duration, error) {
	d, ok := timeframes[tf]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe %q", tf)
	}
	return d, nil
}
