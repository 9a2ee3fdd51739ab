package strategy

import (
	"trend-core/internal/indicators"
)

// Direction classifies a bar as an entry opportunity.
type Direction int

const (
	None Direction = iota
	Long
	Short
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	default:
		return "NONE"
	}
}

// Signal is the outcome of evaluating one closed bar.
type Signal struct {
	Direction Direction `json:"direction"`
	Entry     float64   `json:"entry_price"`
	EMA       float64   `json:"ema"`
	RSI       float64   `json:"rsi"`
}

// Valid reports whether the signal asks for an entry.
func (s Signal) Valid() bool { return s.Direction != None }

// SignalConfig holds the trend filter and momentum thresholds.
type SignalConfig struct {
	EMAPeriod  int
	RSIPeriod  int
	Oversold   float64
	Overbought float64
}

// Generator applies an EMA trend filter and an RSI threshold crossing.
type Generator struct {
	cfg SignalConfig
}

// NewGenerator builds a signal generator.
func NewGenerator(cfg SignalConfig) *Generator {
	return &Generator{cfg: cfg}
}

// MinBars is the shortest close history Generate will evaluate.
func (g *Generator) MinBars() int {
	return max(g.cfg.EMAPeriod, g.cfg.RSIPeriod) + 2
}

// Generate evaluates the last close in closes. Too little history yields a
// NONE signal with zeroed reference values.
func (g *Generator) Generate(closes []float64) Signal {
	if len(closes) < g.MinBars() {
		return Signal{}
	}
	return g.GenerateAt(closes, closes[len(closes)-1])
}

// GenerateAt is Generate with price standing in for the last close in the
// trend filter and as the entry. Indicators still come from closes.
func (g *Generator) GenerateAt(closes []float64, price float64) Signal {
	if len(closes) < g.MinBars() {
		return Signal{}
	}
	ema := indicators.EMA(closes, g.cfg.EMAPeriod).Last()
	rsi := indicators.RSI(closes, g.cfg.RSIPeriod)

	return Signal{
		Direction: g.Evaluate(price, ema, rsi.FromEnd(1), rsi.Last()),
		Entry:     price,
		EMA:       ema.Or(0),
		RSI:       rsi.Last().Or(0),
	}
}

// Evaluate classifies a single bar. Long needs price above the EMA and RSI
// crossing up through oversold; short is the mirror. Price equal to the EMA
// matches neither branch.
func (g *Generator) Evaluate(closePrice float64, ema, prevRSI, curRSI indicators.Value) Direction {
	if !ema.Valid || !prevRSI.Valid || !curRSI.Valid {
		return None
	}
	switch {
	case closePrice > ema.V:
		if prevRSI.V <= g.cfg.Oversold && curRSI.V > g.cfg.Oversold {
			return Long
		}
	case closePrice < ema.V:
		if prevRSI.V >= g.cfg.Overbought && curRSI.V < g.cfg.Overbought {
			return Short
		}
	}
	return None
}
