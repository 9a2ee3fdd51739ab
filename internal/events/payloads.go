package events

import "time"

// BarProcessed summarises one completed bar cycle.
type BarProcessed struct {
	Symbol        string  `json:"symbol"`
	BarTime       int64   `json:"bar_time"`
	Close         float64 `json:"close"`
	EMA           float64 `json:"ema"`
	RSI           float64 `json:"rsi"`
	ATR           float64 `json:"atr"`
	OpenPositions int     `json:"open_positions"`
}

// SignalEmitted is an entry signal accepted by the session.
type SignalEmitted struct {
	Symbol    string  `json:"symbol"`
	BarTime   int64   `json:"bar_time"`
	Direction string  `json:"direction"`
	Entry     float64 `json:"entry"`
	EMA       float64 `json:"ema"`
	RSI       float64 `json:"rsi"`
}

// LevelsComputed carries the protective levels for a signal.
type LevelsComputed struct {
	Symbol       string  `json:"symbol"`
	Direction    string  `json:"direction"`
	Entry        float64 `json:"entry"`
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	ATR          float64 `json:"atr"`
	RiskDistance float64 `json:"risk_distance"`
}

// PositionOpened is published after the broker fills an entry.
type PositionOpened struct {
	SessionID    string    `json:"session_id"`
	Ticket       int64     `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Direction    string    `json:"direction"`
	Volume       float64   `json:"volume"`
	Entry        float64   `json:"entry"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	RiskDistance float64   `json:"risk_distance"`
	Comment      string    `json:"comment"`
	At           time.Time `json:"at"`
}

// PositionClosed is published when a tracked ticket disappears.
type PositionClosed struct {
	SessionID string    `json:"session_id"`
	Ticket    int64     `json:"ticket"`
	Symbol    string    `json:"symbol"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// StopModified is a stop move accepted by the broker.
type StopModified struct {
	SessionID string    `json:"session_id"`
	Ticket    int64     `json:"ticket"`
	Previous  float64   `json:"previous"`
	Stop      float64   `json:"stop"`
	Reason    string    `json:"reason"`
	ProfitRR  float64   `json:"profit_rr"`
	At        time.Time `json:"at"`
}

// KillSwitchChanged reports a kill switch transition or liquidation.
type KillSwitchChanged struct {
	SessionID      string    `json:"session_id"`
	State          string    `json:"state"`
	StartingEquity float64   `json:"starting_equity"`
	Equity         float64   `json:"equity"`
	Drawdown       float64   `json:"drawdown"`
	Reason         string    `json:"reason,omitempty"`
	Attempted      int       `json:"attempted"`
	Closed         int       `json:"closed"`
	At             time.Time `json:"at"`
}

// SessionChanged marks a session start or stop.
type SessionChanged struct {
	SessionID string    `json:"session_id"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Magic     int64     `json:"magic"`
	Equity    float64   `json:"equity"`
	Balance   float64   `json:"balance"`
	At        time.Time `json:"at"`
}
