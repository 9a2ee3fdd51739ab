package persistence

import (
	"context"

	"trend-core/internal/risk"
	"trend-core/pkg/db"
)

// TrailingStore persists trailing stop state so a restart resumes the
// breakeven and trailing phase of each open ticket.
type TrailingStore struct {
	DB *db.Database
}

// SaveTrailingStates replaces the stored snapshot.
func (s *TrailingStore) SaveTrailingStates(ctx context.Context, states []risk.PositionState) error {
	rows := make([]db.TrailingState, 0, len(states))
	for _, st := range states {
		rows = append(rows, db.TrailingState{
			Ticket:       st.Ticket,
			EntryPrice:   st.EntryPrice,
			InitialStop:  st.InitialStop,
			CurrentStop:  st.CurrentStop,
			RiskDistance: st.RiskDistance,
			IsLong:       st.IsLong,
			IsBreakeven:  st.IsBreakeven,
			IsTrailing:   st.IsTrailing,
			UpdatedAt:    st.UpdatedAt,
		})
	}
	return s.DB.ReplaceTrailingStates(ctx, rows)
}

// LoadTrailingStates reads the stored snapshot.
func (s *TrailingStore) LoadTrailingStates(ctx context.Context) ([]risk.PositionState, error) {
	rows, err := s.DB.ListTrailingStates(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]risk.PositionState, 0, len(rows))
	for _, r := range rows {
		out = append(out, risk.PositionState{
			Ticket:       r.Ticket,
			EntryPrice:   r.EntryPrice,
			InitialStop:  r.InitialStop,
			CurrentStop:  r.CurrentStop,
			RiskDistance: r.RiskDistance,
			IsLong:       r.IsLong,
			IsBreakeven:  r.IsBreakeven,
			IsTrailing:   r.IsTrailing,
			UpdatedAt:    r.UpdatedAt,
		})
	}
	return out, nil
}
