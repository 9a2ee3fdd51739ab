package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// Statements used by the asynchronous journal writer.
const (
	InsertSessionSQL = `
		INSERT INTO sessions (id, symbol, timeframe, magic, starting_equity, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET starting_equity = excluded.starting_equity`
	CloseSessionSQL = `
		UPDATE sessions SET final_equity = ?, final_balance = ?, stopped_at = ? WHERE id = ?`
	InsertPositionSQL = `
		INSERT OR REPLACE INTO positions (
			session_id, ticket, symbol, direction, volume, entry_price,
			stop_loss, take_profit, risk_distance, comment, opened_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	ClosePositionSQL = `
		UPDATE positions SET closed_at = ?, close_reason = ? WHERE session_id = ? AND ticket = ?`
	MovePositionStopSQL = `
		UPDATE positions SET stop_loss = ? WHERE session_id = ? AND ticket = ?`
	InsertStopUpdateSQL = `
		INSERT INTO stop_updates (session_id, ticket, previous_stop, new_stop, reason, profit_rr, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	InsertKillSwitchEventSQL = `
		INSERT INTO kill_switch_events (
			session_id, state, starting_equity, equity, drawdown, reason, attempted, closed, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// Session is one run of the trading loop.
type Session struct {
	ID             string
	Symbol         string
	Timeframe      string
	Magic          int64
	StartingEquity float64
	FinalEquity    float64
	FinalBalance   float64
	StartedAt      time.Time
	StoppedAt      sql.NullTime
}

// Position is an entry made by a session.
type Position struct {
	SessionID    string
	Ticket       int64
	Symbol       string
	Direction    string
	Volume       float64
	EntryPrice   float64
	StopLoss     float64
	TakeProfit   float64
	RiskDistance float64
	Comment      string
	OpenedAt     time.Time
	ClosedAt     sql.NullTime
	CloseReason  string
}

// StopUpdate is one accepted stop move.
type StopUpdate struct {
	ID           int64
	SessionID    string
	Ticket       int64
	PreviousStop float64
	NewStop      float64
	Reason       string
	ProfitRR     float64
	CreatedAt    time.Time
}

// TrailingState is the persisted stop lifecycle of an open ticket.
type TrailingState struct {
	Ticket       int64
	EntryPrice   float64
	InitialStop  float64
	CurrentStop  float64
	RiskDistance float64
	IsLong       bool
	IsBreakeven  bool
	IsTrailing   bool
	UpdatedAt    time.Time
}

// KillSwitchEvent is a kill switch transition.
type KillSwitchEvent struct {
	ID             int64
	SessionID      string
	State          string
	StartingEquity float64
	Equity         float64
	Drawdown       float64
	Reason         string
	Attempted      int
	Closed         int
	CreatedAt      time.Time
}

// ReplaceTrailingStates swaps the stored trailing states for states.
func (d *Database) ReplaceTrailingStates(ctx context.Context, states []TrailingState) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM trailing_states`); err != nil {
			return fmt.Errorf("clear trailing states: %w", err)
		}
		for _, s := range states {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO trailing_states (
					ticket, entry_price, initial_stop, current_stop, risk_distance,
					is_long, is_breakeven, is_trailing, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, s.Ticket, s.EntryPrice, s.InitialStop, s.CurrentStop, s.RiskDistance,
				s.IsLong, s.IsBreakeven, s.IsTrailing, s.UpdatedAt)
			if err != nil {
				return fmt.Errorf("insert trailing state %d: %w", s.Ticket, err)
			}
		}
		return nil
	})
}

// ListTrailingStates returns stored trailing states ordered by ticket.
func (d *Database) ListTrailingStates(ctx context.Context) ([]TrailingState, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT ticket, entry_price, initial_stop, current_stop, risk_distance,
		       is_long, is_breakeven, is_trailing, updated_at
		FROM trailing_states
		ORDER BY ticket
	`)
	if err != nil {
		return nil, fmt.Errorf("query trailing states: %w", err)
	}
	defer rows.Close()

	var out []TrailingState
	for rows.Next() {
		var s TrailingState
		if err := rows.Scan(&s.Ticket, &s.EntryPrice, &s.InitialStop, &s.CurrentStop, &s.RiskDistance,
			&s.IsLong, &s.IsBreakeven, &s.IsTrailing, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan trailing state: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListPositions returns the newest positions for a session, or for every
// session when sessionID is empty.
func (d *Database) ListPositions(ctx context.Context, sessionID string, limit int) ([]Position, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT session_id, ticket, symbol, direction, volume, entry_price, stop_loss,
		       take_profit, risk_distance, COALESCE(comment, ''), opened_at, closed_at,
		       COALESCE(close_reason, '')
		FROM positions
		WHERE (? = '' OR session_id = ?)
		ORDER BY opened_at DESC, ticket DESC
		LIMIT ?
	`, sessionID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.SessionID, &p.Ticket, &p.Symbol, &p.Direction, &p.Volume, &p.EntryPrice,
			&p.StopLoss, &p.TakeProfit, &p.RiskDistance, &p.Comment, &p.OpenedAt, &p.ClosedAt,
			&p.CloseReason); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListStopUpdates returns stop moves for a ticket in a session, oldest first.
func (d *Database) ListStopUpdates(ctx context.Context, sessionID string, ticket int64) ([]StopUpdate, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, session_id, ticket, previous_stop, new_stop, reason, profit_rr, created_at
		FROM stop_updates
		WHERE session_id = ? AND ticket = ?
		ORDER BY id
	`, sessionID, ticket)
	if err != nil {
		return nil, fmt.Errorf("query stop updates: %w", err)
	}
	defer rows.Close()

	var out []StopUpdate
	for rows.Next() {
		var u StopUpdate
		if err := rows.Scan(&u.ID, &u.SessionID, &u.Ticket, &u.PreviousStop, &u.NewStop,
			&u.Reason, &u.ProfitRR, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stop update: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListKillSwitchEvents returns kill switch transitions for a session.
func (d *Database) ListKillSwitchEvents(ctx context.Context, sessionID string) ([]KillSwitchEvent, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, session_id, state, starting_equity, equity, drawdown,
		       COALESCE(reason, ''), attempted, closed, created_at
		FROM kill_switch_events
		WHERE session_id = ?
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query kill switch events: %w", err)
	}
	defer rows.Close()

	var out []KillSwitchEvent
	for rows.Next() {
		var e KillSwitchEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.State, &e.StartingEquity, &e.Equity, &e.Drawdown,
			&e.Reason, &e.Attempted, &e.Closed, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan kill switch event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetSession loads a session by id.
func (d *Database) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, symbol, timeframe, magic, starting_equity, final_equity,
		       COALESCE(final_balance, 0), started_at, stopped_at
		FROM sessions WHERE id = ?
	`, id).Scan(&s.ID, &s.Symbol, &s.Timeframe, &s.Magic, &s.StartingEquity, &s.FinalEquity,
		&s.FinalBalance, &s.StartedAt, &s.StoppedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return &s, nil
}
