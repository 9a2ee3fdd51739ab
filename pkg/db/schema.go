package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    magic INTEGER NOT NULL,
    starting_equity REAL DEFAULT 0,
    final_equity REAL DEFAULT 0,
    started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    stopped_at DATETIME
);

CREATE TABLE IF NOT EXISTS positions (
    session_id TEXT NOT NULL,
    ticket INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    volume REAL NOT NULL,
    entry_price REAL NOT NULL,
    stop_loss REAL NOT NULL,
    take_profit REAL NOT NULL,
    risk_distance REAL NOT NULL,
    comment TEXT DEFAULT '',
    opened_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME,
    PRIMARY KEY (session_id, ticket)
);

CREATE TABLE IF NOT EXISTS stop_updates (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    ticket INTEGER NOT NULL,
    previous_stop REAL NOT NULL,
    new_stop REAL NOT NULL,
    reason TEXT NOT NULL,
    profit_rr REAL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trailing_states (
    ticket INTEGER PRIMARY KEY,
    entry_price REAL NOT NULL,
    initial_stop REAL NOT NULL,
    current_stop REAL NOT NULL,
    risk_distance REAL NOT NULL,
    is_long INTEGER NOT NULL,
    is_breakeven INTEGER NOT NULL,
    is_trailing INTEGER NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS kill_switch_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    state TEXT NOT NULL,
    starting_equity REAL DEFAULT 0,
    equity REAL DEFAULT 0,
    drawdown REAL DEFAULT 0,
    reason TEXT DEFAULT '',
    attempted INTEGER DEFAULT 0,
    closed INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_stop_updates_ticket ON stop_updates(session_id, ticket);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first release.
	if err := ensureColumn(d.DB, "positions", "close_reason", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "sessions", "final_balance", "REAL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// requiredColumns lists, per table, the columns the journal writes.
var requiredColumns = map[string][]string{
	"sessions":           {"id", "symbol", "timeframe", "magic", "starting_equity", "final_equity", "final_balance", "stopped_at"},
	"positions":          {"session_id", "ticket", "stop_loss", "take_profit", "risk_distance", "closed_at", "close_reason"},
	"stop_updates":       {"session_id", "ticket", "previous_stop", "new_stop", "reason", "profit_rr"},
	"trailing_states":    {"ticket", "current_stop", "is_breakeven", "is_trailing"},
	"kill_switch_events": {"session_id", "state", "drawdown", "attempted", "closed"},
}

// VerifySchema reports missing tables ("table") and columns ("table.column").
// An empty result means the database is current.
func VerifySchema(ctx context.Context, d *Database) ([]string, error) {
	var missing []string
	for _, table := range []string{"sessions", "positions", "stop_updates", "trailing_states", "kill_switch_events"} {
		var name string
		err := d.DB.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, table)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lookup table %s: %w", table, err)
		}
		for _, col := range requiredColumns[table] {
			ok, err := columnExists(d.DB, table, col)
			if err != nil {
				return nil, err
			}
			if !ok {
				missing = append(missing, table+"."+col)
			}
		}
	}
	return missing, nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
