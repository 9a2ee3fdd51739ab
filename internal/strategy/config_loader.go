package strategy

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Params is the full tunable surface of the trend strategy, loaded from YAML.
type Params struct {
	Symbol      string  `yaml:"symbol"`
	Timeframe   string  `yaml:"timeframe"`
	MagicNumber int64   `yaml:"magic_number"`
	LotSize     float64 `yaml:"lot_size"`

	EMAPeriod     int     `yaml:"ema_period"`
	RSIPeriod     int     `yaml:"rsi_period"`
	ATRPeriod     int     `yaml:"atr_period"`
	RSIOversold   float64 `yaml:"rsi_oversold"`
	RSIOverbought float64 `yaml:"rsi_overbought"`

	ATRStopMultiplier     float64 `yaml:"atr_sl_multiplier"`
	ATRTargetMultiplier   float64 `yaml:"atr_tp_multiplier"`
	TrailingATRMultiplier float64 `yaml:"trailing_atr_multiplier"`
	BreakevenRR           float64 `yaml:"breakeven_rr"`

	EquityDrawdownLimit float64 `yaml:"equity_drawdown_limit"`

	BarCheckInterval time.Duration `yaml:"bar_check_interval"`
	BarsToFetch      int           `yaml:"bars_to_fetch"`
}

// DefaultParams returns the stock EMA(200)/RSI(14)/ATR(14) configuration.
func DefaultParams() Params {
	return Params{
		Symbol:                "EURUSD",
		Timeframe:             "1h",
		MagicNumber:           234000,
		LotSize:               0.01,
		EMAPeriod:             200,
		RSIPeriod:             14,
		ATRPeriod:             14,
		RSIOversold:           30,
		RSIOverbought:         70,
		ATRStopMultiplier:     1.5,
		ATRTargetMultiplier:   2.0,
		TrailingATRMultiplier: 1.0,
		BreakevenRR:           1.0,
		EquityDrawdownLimit:   0.05,
		BarCheckInterval:      5 * time.Second,
		BarsToFetch:           300,
	}
}

// LoadParams reads params from path on top of DefaultParams. An empty path
// returns the defaults.
func LoadParams(path string) (Params, error) {
	p := DefaultParams()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read strategy config: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse strategy config: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate rejects parameter sets the engine cannot run with.
func (p Params) Validate() error {
	var errs []error
	if p.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if p.Timeframe == "" {
		errs = append(errs, errors.New("timeframe is required"))
	}
	if p.LotSize <= 0 {
		errs = append(errs, fmt.Errorf("lot_size must be positive, got %v", p.LotSize))
	}
	if p.EMAPeriod <= 0 || p.RSIPeriod <= 0 || p.ATRPeriod <= 0 {
		errs = append(errs, errors.New("indicator periods must be positive"))
	}
	if !(0 <= p.RSIOversold && p.RSIOversold < p.RSIOverbought && p.RSIOverbought <= 100) {
		errs = append(errs, fmt.Errorf("rsi thresholds must satisfy 0 <= oversold < overbought <= 100, got %v/%v", p.RSIOversold, p.RSIOverbought))
	}
	if p.ATRStopMultiplier <= 0 || p.ATRTargetMultiplier <= 0 || p.TrailingATRMultiplier <= 0 {
		errs = append(errs, errors.New("atr multipliers must be positive"))
	}
	if p.BreakevenRR <= 0 {
		errs = append(errs, fmt.Errorf("breakeven_rr must be positive, got %v", p.BreakevenRR))
	}
	if p.EquityDrawdownLimit <= 0 || p.EquityDrawdownLimit >= 1 {
		errs = append(errs, fmt.Errorf("equity_drawdown_limit must be in (0,1), got %v", p.EquityDrawdownLimit))
	}
	if p.BarCheckInterval <= 0 {
		errs = append(errs, errors.New("bar_check_interval must be positive"))
	}
	if need := max(p.EMAPeriod, p.RSIPeriod) + 2; p.BarsToFetch < need {
		errs = append(errs, fmt.Errorf("bars_to_fetch must be at least %d, got %d", need, p.BarsToFetch))
	}
	return errors.Join(errs...)
}

// SignalConfig extracts the generator settings.
func (p Params) SignalConfig() SignalConfig {
	return SignalConfig{
		EMAPeriod:  p.EMAPeriod,
		RSIPeriod:  p.RSIPeriod,
		Oversold:   p.RSIOversold,
		Overbought: p.RSIOverbought,
	}
}
