package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// TrailingConfig controls breakeven and trailing behaviour.
type TrailingConfig struct {
	BreakevenRR        float64 // profit, in multiples of risk, that moves the stop to entry
	TrailATRMultiplier float64 // distance the stop keeps behind price once trailing
}

// DefaultTrailingConfig moves to breakeven at 1R and trails by 1 ATR.
func DefaultTrailingConfig() TrailingConfig {
	return TrailingConfig{BreakevenRR: 1.0, TrailATRMultiplier: 1.0}
}

// PositionState is the stop lifecycle of one position.
type PositionState struct {
	Ticket       int64     `json:"ticket"`
	EntryPrice   float64   `json:"entry_price"`
	InitialStop  float64   `json:"initial_stop"`
	CurrentStop  float64   `json:"current_stop"`
	RiskDistance float64   `json:"risk_distance"`
	IsLong       bool      `json:"is_long"`
	IsBreakeven  bool      `json:"is_breakeven"`
	IsTrailing   bool      `json:"is_trailing"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Phase names the lifecycle stage.
func (s PositionState) Phase() string {
	switch {
	case s.IsBreakeven && s.CurrentStop != s.EntryPrice:
		return "trailing"
	case s.IsBreakeven:
		return "breakeven"
	default:
		return "initial"
	}
}

// StopReason explains why a stop moved.
type StopReason string

const (
	ReasonBreakeven StopReason = "breakeven"
	ReasonTrailing  StopReason = "trailing"
)

// StopUpdate is a stop move the caller should send to the broker.
type StopUpdate struct {
	Ticket   int64      `json:"ticket"`
	Previous float64    `json:"previous_stop"`
	Stop     float64    `json:"stop"`
	Reason   StopReason `json:"reason"`
	ProfitRR float64    `json:"profit_rr"`
}

// TrailingStopManager owns per-ticket stop state. Stops only ever move in
// the profit direction.
type TrailingStopManager struct {
	cfg TrailingConfig
	now func() time.Time

	mu        sync.RWMutex
	positions map[int64]*PositionState
}

// NewTrailingStopManager creates an empty manager.
func NewTrailingStopManager(cfg TrailingConfig) *TrailingStopManager {
	return &TrailingStopManager{
		cfg:       cfg,
		now:       time.Now,
		positions: make(map[int64]*PositionState),
	}
}

// Register starts tracking ticket. Re-registering a ticket replaces its state.
func (m *TrailingStopManager) Register(ticket int64, entry, stop, riskDistance float64) (PositionState, error) {
	if riskDistance <= 0 {
		return PositionState{}, fmt.Errorf("ticket %d: %w", ticket, ErrInvalidRiskDistance)
	}
	st := &PositionState{
		Ticket:       ticket,
		EntryPrice:   entry,
		InitialStop:  stop,
		CurrentStop:  stop,
		RiskDistance: riskDistance,
		IsLong:       stop < entry,
		UpdatedAt:    m.now(),
	}

	m.mu.Lock()
	m.positions[ticket] = st
	m.mu.Unlock()
	return *st, nil
}

// Adopt starts tracking a position opened elsewhere. A stop still on the
// loss side of entry registers as a fresh position with risk |entry-stop|.
// A stop already at or past entry registers as trailing from that stop, with
// fallbackRisk as its risk distance.
func (m *TrailingStopManager) Adopt(ticket int64, entry, stop float64, isLong bool, fallbackRisk float64) (PositionState, error) {
	if stop <= 0 {
		return PositionState{}, fmt.Errorf("ticket %d: no stop: %w", ticket, ErrInvalidRiskDistance)
	}
	st := &PositionState{
		Ticket:      ticket,
		EntryPrice:  entry,
		InitialStop: stop,
		CurrentStop: stop,
		IsLong:      isLong,
		UpdatedAt:   m.now(),
	}
	if (isLong && stop < entry) || (!isLong && stop > entry) {
		st.RiskDistance = math.Abs(entry - stop)
	} else {
		if fallbackRisk <= 0 {
			return PositionState{}, fmt.Errorf("ticket %d: %w", ticket, ErrInvalidRiskDistance)
		}
		st.RiskDistance = fallbackRisk
		st.IsBreakeven = true
		st.IsTrailing = true
	}

	m.mu.Lock()
	m.positions[ticket] = st
	m.mu.Unlock()
	return *st, nil
}

// Unregister stops tracking ticket and reports whether it was known.
func (m *TrailingStopManager) Unregister(ticket int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.positions[ticket]
	delete(m.positions, ticket)
	return ok
}

// Update evaluates ticket at price. It returns the stop to apply and true
// when the stop moved; false means leave the broker untouched.
func (m *TrailingStopManager) Update(ticket int64, price, atr float64, isLong bool) (StopUpdate, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.positions[ticket]
	if !ok {
		return StopUpdate{}, false, fmt.Errorf("ticket %d: %w", ticket, ErrUnknownTicket)
	}

	profit := price - st.EntryPrice
	if !isLong {
		profit = st.EntryPrice - price
	}
	rr := 0.0
	if st.RiskDistance > 0 {
		rr = profit / st.RiskDistance
	}

	upd := StopUpdate{Ticket: ticket, Previous: st.CurrentStop, ProfitRR: rr}

	if !st.IsBreakeven && rr >= m.cfg.BreakevenRR {
		st.IsBreakeven = true
		st.IsTrailing = true
		// Entry is applied only when it improves on the stop already in place.
		if (isLong && st.EntryPrice > st.CurrentStop) || (!isLong && st.EntryPrice < st.CurrentStop) {
			st.CurrentStop = st.EntryPrice
			st.UpdatedAt = m.now()
			upd.Stop = st.CurrentStop
			upd.Reason = ReasonBreakeven
			return upd, true, nil
		}
	}

	if !st.IsTrailing || atr <= 0 {
		return upd, false, nil
	}

	dist := atr * m.cfg.TrailATRMultiplier
	if isLong {
		if candidate := price - dist; candidate > st.CurrentStop {
			st.CurrentStop = candidate
		} else {
			return upd, false, nil
		}
	} else {
		if candidate := price + dist; candidate < st.CurrentStop {
			st.CurrentStop = candidate
		} else {
			return upd, false, nil
		}
	}
	st.UpdatedAt = m.now()
	upd.Stop = st.CurrentStop
	upd.Reason = ReasonTrailing
	return upd, true, nil
}

// Get returns a copy of ticket's state.
func (m *TrailingStopManager) Get(ticket int64) (PositionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.positions[ticket]
	if !ok {
		return PositionState{}, false
	}
	return *st, true
}

// Tickets lists tracked tickets in ascending order.
func (m *TrailingStopManager) Tickets() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, 0, len(m.positions))
	for t := range m.positions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len is the number of tracked positions.
func (m *TrailingStopManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// Snapshot copies every tracked state, ordered by ticket.
func (m *TrailingStopManager) Snapshot() []PositionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PositionState, 0, len(m.positions))
	for _, st := range m.positions {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Clear drops every tracked ticket and returns how many there were.
func (m *TrailingStopManager) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.positions)
	m.positions = make(map[int64]*PositionState)
	return n
}

// Restore loads previously persisted states, replacing any with the same
// ticket. States with a non-positive risk distance are skipped.
func (m *TrailingStopManager) Restore(states []PositionState) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range states {
		if st.RiskDistance <= 0 {
			continue
		}
		cp := st
		m.positions[st.Ticket] = &cp
		n++
	}
	return n
}
