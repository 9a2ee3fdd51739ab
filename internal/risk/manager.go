package risk

import (
	"fmt"

	"trend-core/internal/indicators"
	"trend-core/internal/market"
	"trend-core/internal/strategy"
)

// Config holds the volatility multipliers used to place protective levels.
type Config struct {
	ATRPeriod        int
	StopMultiplier   float64
	TargetMultiplier float64
}

// DefaultConfig is ATR(14) with a 1.5x stop and 2.0x target.
func DefaultConfig() Config {
	return Config{ATRPeriod: 14, StopMultiplier: 1.5, TargetMultiplier: 2.0}
}

// Levels are the absolute protective prices for a new position.
type Levels struct {
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	ATR          float64 `json:"atr"`
	RiskDistance float64 `json:"risk_distance"`
}

// Manager derives ATR-scaled stop and target levels.
type Manager struct {
	cfg Config
}

// NewManager builds a level calculator.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Config returns the manager settings.
func (m *Manager) Config() Config { return m.cfg }

// CalculateLevels computes ATR over bars and places levels around entry.
func (m *Manager) CalculateLevels(dir strategy.Direction, entry float64, bars market.Series) (Levels, error) {
	if dir == strategy.None {
		return Levels{}, ErrNoSignal
	}
	atr := indicators.ATR(bars.Highs(), bars.Lows(), bars.Closes(), m.cfg.ATRPeriod).Last()
	if !atr.Valid {
		return Levels{}, fmt.Errorf("atr(%d) over %d bars: %w", m.cfg.ATRPeriod, len(bars), ErrInvalidATR)
	}
	return m.LevelsFromATR(dir, entry, atr.V)
}

// LevelsFromATR places levels around entry for a known ATR reading.
func (m *Manager) LevelsFromATR(dir strategy.Direction, entry, atr float64) (Levels, error) {
	if dir == strategy.None {
		return Levels{}, ErrNoSignal
	}
	if atr <= 0 {
		return Levels{}, fmt.Errorf("atr %v: %w", atr, ErrInvalidATR)
	}

	stopDist := atr * m.cfg.StopMultiplier
	targetDist := atr * m.cfg.TargetMultiplier
	lv := Levels{ATR: atr, RiskDistance: stopDist}
	if dir == strategy.Long {
		lv.StopLoss = entry - stopDist
		lv.TakeProfit = entry + targetDist
	} else {
		lv.StopLoss = entry + stopDist
		lv.TakeProfit = entry - targetDist
	}
	return lv, nil
}
