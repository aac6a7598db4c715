package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// Event kinds written to the journal.
const (
	EventEntryPlaced   = "entry_placed"
	EventEntrySkipped  = "entry_skipped"
	EventEntryFailed   = "entry_failed"
	EventStop          = "stop"
	EventEarlyClose    = "early_close"
	EventSettlement    = "settlement"
	EventEmergency     = "emergency"
	EventCircuitOpen   = "circuit_open"
	EventCriticalFlag  = "critical_flag"
	EventDiscrepancy   = "reconcile_discrepancy"
	EventPhase         = "phase"
	EventRestart       = "restart"
	EventCriticalClear = "critical_cleared"
)

// EventRecord is one safety or lifecycle event.
type EventRecord struct {
	Time      time.Time `json:"time"`
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	EntryID   string    `json:"entry_id,omitempty"`
	Side      string    `json:"side,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	Observed  float64   `json:"observed"`
	Threshold float64   `json:"threshold"`
}

// TradeRecord is one leg execution.
type TradeRecord struct {
	Time     time.Time `json:"time"`
	ID       string    `json:"id"`
	EntryID  string    `json:"entry_id"`
	Symbol   string    `json:"symbol"`
	Role     string    `json:"role"`
	Action   string    `json:"action"` // open | close | expire
	Reason   string    `json:"reason,omitempty"`
	OrderID  int       `json:"order_id"`
	Quantity int       `json:"quantity"`
	Price    float64   `json:"price"`
	Fees     float64   `json:"fees"`
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id        TEXT PRIMARY KEY,
	time      TIMESTAMP NOT NULL,
	kind      TEXT NOT NULL,
	entry_id  TEXT,
	side      TEXT,
	reason    TEXT,
	message   TEXT,
	observed  REAL,
	threshold REAL
);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(time);

CREATE TABLE IF NOT EXISTS trades (
	id       TEXT PRIMARY KEY,
	time     TIMESTAMP NOT NULL,
	entry_id TEXT NOT NULL,
	symbol   TEXT NOT NULL,
	role     TEXT NOT NULL,
	action   TEXT NOT NULL,
	reason   TEXT,
	order_id INTEGER,
	quantity INTEGER NOT NULL,
	price    REAL NOT NULL,
	fees     REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_entry ON trades(entry_id);
`

// SQLiteJournal writes events and trades to a sqlite database.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (or creates) the journal database.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// RecordEvent implements Journal.
func (j *SQLiteJournal) RecordEvent(ctx context.Context, ev EventRecord) error {
	ev = withEventDefaults(ev)
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (id, time, kind, entry_id, side, reason, message, observed, threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Time.UTC(), ev.Kind, ev.EntryID, ev.Side, ev.Reason, ev.Message, ev.Observed, ev.Threshold,
	)
	return err
}

// RecordTrade implements Journal.
func (j *SQLiteJournal) RecordTrade(ctx context.Context, tr TradeRecord) error {
	tr = withTradeDefaults(tr)
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trades (id, time, entry_id, symbol, role, action, reason, order_id, quantity, price, fees)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.Time.UTC(), tr.EntryID, tr.Symbol, tr.Role, tr.Action, tr.Reason, tr.OrderID, tr.Quantity, tr.Price, tr.Fees,
	)
	return err
}

// RecentEvents returns up to limit events, newest first.
func (j *SQLiteJournal) RecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, time, kind, entry_id, side, reason, message, observed, threshold
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var ev EventRecord
		var entryID, side, reason, message sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Time, &ev.Kind, &entryID, &side, &reason, &message, &ev.Observed, &ev.Threshold); err != nil {
			return nil, err
		}
		ev.EntryID, ev.Side, ev.Reason, ev.Message = entryID.String, side.String, reason.String, message.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// TradesForEntry returns the executions of one entry in order.
func (j *SQLiteJournal) TradesForEntry(ctx context.Context, entryID string) ([]TradeRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, time, entry_id, symbol, role, action, reason, order_id, quantity, price, fees
		FROM trades WHERE entry_id = ? ORDER BY id`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var tr TradeRecord
		var reason sql.NullString
		if err := rows.Scan(&tr.ID, &tr.Time, &tr.EntryID, &tr.Symbol, &tr.Role, &tr.Action, &reason,
			&tr.OrderID, &tr.Quantity, &tr.Price, &tr.Fees); err != nil {
			return nil, err
		}
		tr.Reason = reason.String
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func withEventDefaults(ev EventRecord) EventRecord {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.ID == "" {
		ev.ID = NewID(ev.Time)
	}
	return ev
}

func withTradeDefaults(tr TradeRecord) TradeRecord {
	if tr.Time.IsZero() {
		tr.Time = time.Now()
	}
	if tr.ID == "" {
		tr.ID = NewID(tr.Time)
	}
	return tr
}

// MemoryJournal keeps records in memory; used in tests and when no journal path is set.
type MemoryJournal struct {
	events []EventRecord
	trades []TradeRecord
	mu     sync.Mutex
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

// RecordEvent implements Journal.
func (m *MemoryJournal) RecordEvent(_ context.Context, ev EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, withEventDefaults(ev))
	return nil
}

// RecordTrade implements Journal.
func (m *MemoryJournal) RecordTrade(_ context.Context, tr TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, withTradeDefaults(tr))
	return nil
}

// RecentEvents implements Journal.
func (m *MemoryJournal) RecentEvents(_ context.Context, limit int) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]EventRecord, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

// Events returns every event of the given kind, or all when kind is empty.
func (m *MemoryJournal) Events(kind string) []EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EventRecord
	for _, ev := range m.events {
		if kind == "" || ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Trades returns every recorded trade.
func (m *MemoryJournal) Trades() []TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TradeRecord(nil), m.trades...)
}

// Close implements Journal.
func (m *MemoryJournal) Close() error { return nil }
