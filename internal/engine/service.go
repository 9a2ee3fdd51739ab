// Package engine drives the per-bar trading pipeline for one instrument and
// exposes a read-mostly view of it to the API layer.
package engine

import (
	"context"

	"trend-core/internal/broker"
	"trend-core/internal/risk"
)

// Service is what the API layer may see of a running session.
type Service interface {
	Status() Status
	Positions(ctx context.Context) ([]broker.Position, error)
	TrailingStates() []risk.PositionState
	KillSwitch() risk.KillSwitchStatus
	// TripKillSwitch latches the kill switch; liquidation happens on the
	// next bar cycle. It returns false when already triggered.
	TripKillSwitch(reason string) bool
}

// StateStore persists trailing stop state across restarts.
type StateStore interface {
	SaveTrailingStates(ctx context.Context, states []risk.PositionState) error
	LoadTrailingStates(ctx context.Context) ([]risk.PositionState, error)
}
