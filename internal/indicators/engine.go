package indicators

// Periods configures the indicator windows used by Engine.
type Periods struct {
	EMA int
	RSI int
	ATR int
}

// DefaultPeriods mirrors the stock strategy: EMA 200, RSI 14, ATR 14.
func DefaultPeriods() Periods {
	return Periods{EMA: 200, RSI: 14, ATR: 14}
}

// Snapshot holds the readings needed to evaluate a single closed bar.
type Snapshot struct {
	Close   float64 `json:"close"`
	EMA     Value   `json:"ema"`
	RSI     Value   `json:"rsi"`
	PrevRSI Value   `json:"prev_rsi"`
	ATR     Value   `json:"atr"`
}

// Engine computes the indicator set for a bar series. It is stateless; each
// call recomputes from the supplied history.
type Engine struct {
	periods Periods
}

// NewEngine builds an indicator engine with the given windows.
func NewEngine(p Periods) *Engine {
	return &Engine{periods: p}
}

// Periods returns the configured windows.
func (e *Engine) Periods() Periods { return e.periods }

// MinBars is the shortest history that yields a defined EMA and two
// consecutive RSI readings.
func (e *Engine) MinBars() int {
	n := e.periods.EMA
	if e.periods.RSI > n {
		n = e.periods.RSI
	}
	return n + 2
}

// ATR returns the latest ATR reading for the OHLC history.
func (e *Engine) ATR(high, low, close []float64) Value {
	return ATR(high, low, close, e.periods.ATR).Last()
}

// Snapshot evaluates all indicators at the last bar.
func (e *Engine) Snapshot(high, low, close []float64) Snapshot {
	if len(close) == 0 {
		return Snapshot{}
	}
	rsi := RSI(close, e.periods.RSI)
	return Snapshot{
		Close:   close[len(close)-1],
		EMA:     EMA(close, e.periods.EMA).Last(),
		RSI:     rsi.Last(),
		PrevRSI: rsi.FromEnd(1),
		ATR:     e.ATR(high, low, close),
	}
}
