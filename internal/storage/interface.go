package storage

import (
	"context"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/broker"
	"github.com/eddiefleurent/dunder_condor/internal/models"
)

// SnapshotVersion is bumped when the snapshot layout changes incompatibly.
const SnapshotVersion = 1

// Snapshot is everything needed to resume a trading day after a restart.
type Snapshot struct {
	SavedAt       time.Time           `json:"saved_at"`
	LastReconcile time.Time           `json:"last_reconcile"`
	Day           *models.DailyState  `json:"day"`
	Trend         models.TrendState   `json:"trend"`
	StrategyID    string              `json:"strategy_id"`
	Breaker       broker.BreakerState `json:"breaker"`
	Version       int                 `json:"version"`
}

// Interface defines the contract for state snapshot persistence.
//
// Implementations must be safe for concurrent use.
type Interface interface {
	Save(snap *Snapshot) error
	// Load returns ErrNoSnapshot when nothing was saved.
	Load() (*Snapshot, error)
}

// Journal is the append-only record of trades and safety events.
type Journal interface {
	RecordEvent(ctx context.Context, ev EventRecord) error
	RecordTrade(ctx context.Context, tr TradeRecord) error
	RecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
	Close() error
}

// Ensure implementations satisfy the interfaces
var (
	_ Interface = (*JSONStorage)(nil)
	_ Interface = (*MockStorage)(nil)
	_ Journal   = (*SQLiteJournal)(nil)
	_ Journal   = (*MemoryJournal)(nil)
)
