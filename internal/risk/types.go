package risk

import "errors"

var (
	// ErrNoSignal is returned when levels are requested for a NONE signal.
	ErrNoSignal = errors.New("no signal")
	// ErrInvalidATR is returned when ATR is undefined or not positive.
	ErrInvalidATR = errors.New("atr undefined or not positive")
	// ErrUnknownTicket is returned for operations on unregistered positions.
	ErrUnknownTicket = errors.New("unknown ticket")
	// ErrInvalidRiskDistance is returned when a position is registered
	// with a non-positive entry-to-stop distance.
	ErrInvalidRiskDistance = errors.New("risk distance must be positive")
	// ErrEquityUnavailable is returned when account equity cannot be read.
	ErrEquityUnavailable = errors.New("account equity unavailable")
	// ErrNotTriggered is returned by ExecuteKill before the switch trips.
	ErrNotTriggered = errors.New("kill switch not triggered")
)
