package engine

import (
	"errors"
	"time"

	"trend-core/internal/indicators"
	"trend-core/internal/risk"
)

// ErrHalted is returned once the kill switch has liquidated the session.
var ErrHalted = errors.New("session halted by kill switch")

// Config is the session-level configuration.
type Config struct {
	SessionID    string
	Symbol       string
	Timeframe    string
	StrategyID   int64 // magic number stamped on every order
	LotSize      float64
	BarsToFetch  int
	PollInterval time.Duration
	Periods      indicators.Periods
}

// Status is a snapshot of the session for the API.
type Status struct {
	SessionID        string                `json:"session_id"`
	Symbol           string                `json:"symbol"`
	Timeframe        string                `json:"timeframe"`
	StrategyID       int64                 `json:"strategy_id"`
	StartedAt        time.Time             `json:"started_at"`
	LastBarTime      int64                 `json:"last_bar_time"`
	BarsProcessed    int64                 `json:"bars_processed"`
	Halted           bool                  `json:"halted"`
	LastSignal       string                `json:"last_signal,omitempty"`
	LastSignalAt     int64                 `json:"last_signal_at,omitempty"`
	LastError        string                `json:"last_error,omitempty"`
	Indicators       indicators.Snapshot   `json:"indicators"`
	KillSwitch       risk.KillSwitchStatus `json:"kill_switch"`
	TrackedPositions int                   `json:"tracked_positions"`
}
