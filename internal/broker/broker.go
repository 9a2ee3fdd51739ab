package broker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrInvalidStops     = errors.New("stop loss or take profit on wrong side of price")
	ErrInvalidVolume    = errors.New("volume must be positive")
	ErrNoPrice          = errors.New("no market price for symbol")
)

// Side is the direction of a position.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Position is an open position as reported by the broker.
type Position struct {
	Ticket     int64     `json:"ticket"`
	OrderID    string    `json:"order_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Volume     float64   `json:"volume"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Magic      int64     `json:"magic"`
	Comment    string    `json:"comment"`
	Profit     float64   `json:"profit"`
	OpenedAt   time.Time `json:"opened_at"`
}

// IsLong reports whether the position profits from rising prices.
func (p Position) IsLong() bool { return p.Side == Buy }

// OpenRequest describes a market order with attached protective levels.
type OpenRequest struct {
	Symbol     string
	Side       Side
	Volume     float64
	StopLoss   float64
	TakeProfit float64
	Magic      int64
	Comment    string
}

// Broker is the execution venue the engine trades against.
type Broker interface {
	// OpenPosition fills a market order and returns the new ticket.
	OpenPosition(ctx context.Context, req OpenRequest) (int64, error)
	// ModifyPosition changes protective levels. A nil pointer keeps the
	// current value.
	ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit *float64) error
	ClosePosition(ctx context.Context, ticket int64) error
	// OpenPositions lists positions for symbol owned by magic. An empty
	// symbol matches every symbol; magic 0 matches every owner.
	OpenPositions(ctx context.Context, symbol string, magic int64) ([]Position, error)
	AccountEquity(ctx context.Context) (float64, error)
}
