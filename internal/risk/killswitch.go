package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trend-core/internal/broker"
)

// KillState is the kill switch lifecycle stage.
type KillState string

const (
	Unarmed   KillState = "UNARMED"
	Armed     KillState = "ARMED"
	Triggered KillState = "TRIGGERED"
)

// KillSwitchStatus is a point-in-time view of the kill switch.
type KillSwitchStatus struct {
	State          KillState `json:"state"`
	Limit          float64   `json:"limit"`
	StartingEquity float64   `json:"starting_equity"`
	LastEquity     float64   `json:"last_equity"`
	Drawdown       float64   `json:"drawdown"`
	Reason         string    `json:"reason,omitempty"`
	TriggeredAt    time.Time `json:"triggered_at,omitempty"`
	Executed       bool      `json:"executed"`
}

// KillReport summarises a liquidation pass.
type KillReport struct {
	Attempted int     `json:"attempted"`
	Closed    int     `json:"closed"`
	Errors    []error `json:"-"`
}

// KillSwitch latches when equity drops a fixed fraction below the session
// baseline. Once triggered it never re-arms.
type KillSwitch struct {
	broker     broker.Broker
	limit      float64
	strategyID int64
	log        zerolog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	status KillSwitchStatus
}

// NewKillSwitch builds an unarmed kill switch. limit is the drawdown
// fraction, e.g. 0.05 for 5%.
func NewKillSwitch(b broker.Broker, limit float64, strategyID int64, log zerolog.Logger) *KillSwitch {
	return &KillSwitch{
		broker:     b,
		limit:      limit,
		strategyID: strategyID,
		log:        log.With().Str("component", "killswitch").Logger(),
		now:        time.Now,
		status:     KillSwitchStatus{State: Unarmed, Limit: limit},
	}
}

// Initialize records current equity as the session baseline and arms the
// switch. It is a no-op once armed or triggered.
func (k *KillSwitch) Initialize(ctx context.Context) error {
	if st := k.Status().State; st != Unarmed {
		return nil
	}
	equity, err := k.broker.AccountEquity(ctx)
	if err != nil {
		return fmt.Errorf("initialize kill switch: %w: %v", ErrEquityUnavailable, err)
	}
	if equity <= 0 {
		return fmt.Errorf("initialize kill switch: %w: equity %v", ErrEquityUnavailable, equity)
	}

	k.mu.Lock()
	k.status.State = Armed
	k.status.StartingEquity = equity
	k.status.LastEquity = equity
	k.mu.Unlock()

	k.log.Info().Float64("starting_equity", equity).Float64("limit", k.limit).Msg("kill switch armed")
	return nil
}

// Check reports whether the switch is triggered, evaluating drawdown when
// armed. A failed equity read while armed trips the switch.
func (k *KillSwitch) Check(ctx context.Context) bool {
	k.mu.RLock()
	state, start := k.status.State, k.status.StartingEquity
	k.mu.RUnlock()

	switch state {
	case Triggered:
		return true
	case Unarmed:
		return false
	}

	equity, err := k.broker.AccountEquity(ctx)
	if err != nil {
		k.log.Error().Err(err).Msg("equity read failed while armed")
		k.trip(fmt.Sprintf("equity unavailable: %v", err))
		return true
	}

	drawdown := (start - equity) / start

	k.mu.Lock()
	k.status.LastEquity = equity
	k.status.Drawdown = drawdown
	k.mu.Unlock()

	if drawdown >= k.limit {
		k.log.Warn().
			Float64("starting_equity", start).
			Float64("equity", equity).
			Float64("drawdown", drawdown).
			Float64("limit", k.limit).
			Msg("drawdown limit breached")
		k.trip(fmt.Sprintf("drawdown %.2f%% >= limit %.2f%%", drawdown*100, k.limit*100))
		return true
	}
	return false
}

// Trip latches the switch for an external reason. It returns false when the
// switch was already triggered.
func (k *KillSwitch) Trip(reason string) bool {
	if !k.trip(reason) {
		return false
	}
	k.log.Warn().Str("reason", reason).Msg("kill switch tripped manually")
	return true
}

func (k *KillSwitch) trip(reason string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.status.State == Triggered {
		return false
	}
	k.status.State = Triggered
	k.status.Reason = reason
	k.status.TriggeredAt = k.now()
	return true
}

// ExecuteKill closes every open position owned by the strategy, across all
// symbols. It counts successful closes and keeps going past failures.
func (k *KillSwitch) ExecuteKill(ctx context.Context) (KillReport, error) {
	if !k.IsTriggered() {
		return KillReport{}, ErrNotTriggered
	}

	positions, err := k.broker.OpenPositions(ctx, "", k.strategyID)
	if err != nil {
		return KillReport{}, fmt.Errorf("list positions for kill: %w", err)
	}

	rep := KillReport{Attempted: len(positions)}
	for _, pos := range positions {
		if err := k.broker.ClosePosition(ctx, pos.Ticket); err != nil {
			k.log.Error().Err(err).Int64("ticket", pos.Ticket).Msg("kill close failed")
			rep.Errors = append(rep.Errors, err)
			continue
		}
		rep.Closed++
	}

	k.mu.Lock()
	k.status.Executed = true
	k.mu.Unlock()

	k.log.Warn().Int("closed", rep.Closed).Int("attempted", rep.Attempted).Msg("kill switch executed")
	return rep, nil
}

// IsTriggered reports the latch without touching the broker.
func (k *KillSwitch) IsTriggered() bool {
	return k.Status().State == Triggered
}

// Status returns a copy of the current state.
func (k *KillSwitch) Status() KillSwitchStatus {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.status
}
