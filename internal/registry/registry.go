// Package registry is the file-locked map from broker position to owning
// strategy, shared by every bot process trading the same account.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/storage"
	"github.com/gofrs/flock"
)

// ErrNotOwner is returned when a position belongs to another strategy or to nobody.
var ErrNotOwner = errors.New("position not owned by strategy")

// Record describes one registered position.
type Record struct {
	RegisteredAt time.Time `json:"registered_at"`
	StrategyID   string    `json:"strategy_id"`
	EntryID      string    `json:"entry_id"`
	Underlying   string    `json:"underlying"`
	OptionType   string    `json:"option_type"`
	Side         string    `json:"side"` // short | long
	Expiry       string    `json:"expiry"`
	Strike       float64   `json:"strike"`
	Quantity     int       `json:"quantity"`
}

type fileFormat struct {
	Positions map[string]Record `json:"positions"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Registry persists ownership records. Every operation takes an exclusive
// lock on <path>.lock, reads the file, and writes it back atomically.
type Registry struct {
	lock        *flock.Flock
	mu          sync.Mutex // the file lock only excludes other processes
	path        string
	lockTimeout time.Duration
}

// New creates a registry backed by path.
func New(path string, lockTimeout time.Duration) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating registry dir: %w", err)
	}
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &Registry{
		lock:        flock.New(path + ".lock"),
		path:        path,
		lockTimeout: lockTimeout,
	}, nil
}

// withLock runs fn on the current contents under the file lock. When fn returns
// write=true the map is persisted.
func (r *Registry) withLock(ctx context.Context, fn func(m map[string]Record) (write bool, err error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lctx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()
	locked, err := r.lock.TryLockContext(lctx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locking registry %s: %w", r.path, err)
	}
	if !locked {
		return fmt.Errorf("locking registry %s: timed out", r.path)
	}
	defer func() { _ = r.lock.Unlock() }()

	m, err := r.read()
	if err != nil {
		return err
	}
	write, err := fn(m)
	if err != nil || !write {
		return err
	}
	return r.write(m)
}

func (r *Registry) read() (map[string]Record, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]Record), nil
	}
	if err != nil {
		return nil, err
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding registry %s: %w", r.path, err)
	}
	if f.Positions == nil {
		f.Positions = make(map[string]Record)
	}
	return f.Positions, nil
}

func (r *Registry) write(m map[string]Record) error {
	data, err := json.MarshalIndent(fileFormat{Positions: m, UpdatedAt: time.Now()}, "", "  ")
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(r.path, data)
}

// Register records ownership of positionID. Registering a key the same
// strategy already owns adds the quantity; a foreign owner is an error.
func (r *Registry) Register(ctx context.Context, positionID string, rec Record) error {
	if positionID == "" || rec.StrategyID == "" {
		return fmt.Errorf("register: position id and strategy id are required")
	}
	return r.withLock(ctx, func(m map[string]Record) (bool, error) {
		if cur, ok := m[positionID]; ok {
			if cur.StrategyID != rec.StrategyID {
				return false, fmt.Errorf("register %s: owned by %s: %w", positionID, cur.StrategyID, ErrNotOwner)
			}
			cur.Quantity += rec.Quantity
			m[positionID] = cur
			return true, nil
		}
		if rec.RegisteredAt.IsZero() {
			rec.RegisteredAt = time.Now()
		}
		m[positionID] = rec
		return true, nil
	})
}

// Unregister removes quantity contracts of positionID owned by strategyID,
// dropping the record when nothing is left. A missing record is not an error.
func (r *Registry) Unregister(ctx context.Context, positionID, strategyID string, quantity int) error {
	return r.withLock(ctx, func(m map[string]Record) (bool, error) {
		cur, ok := m[positionID]
		if !ok {
			return false, nil
		}
		if cur.StrategyID != strategyID {
			return false, fmt.Errorf("unregister %s: owned by %s: %w", positionID, cur.StrategyID, ErrNotOwner)
		}
		cur.Quantity -= quantity
		if quantity <= 0 || cur.Quantity <= 0 {
			delete(m, positionID)
		} else {
			m[positionID] = cur
		}
		return true, nil
	})
}

// Owner returns the record for positionID.
func (r *Registry) Owner(ctx context.Context, positionID string) (Record, bool, error) {
	var rec Record
	var found bool
	err := r.withLock(ctx, func(m map[string]Record) (bool, error) {
		rec, found = m[positionID]
		return false, nil
	})
	return rec, found, err
}

// CheckOwnership returns ErrNotOwner unless strategyID owns positionID.
func (r *Registry) CheckOwnership(ctx context.Context, positionID, strategyID string) error {
	rec, ok, err := r.Owner(ctx, positionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not registered: %w", positionID, ErrNotOwner)
	}
	if rec.StrategyID != strategyID {
		return fmt.Errorf("%s is owned by %s: %w", positionID, rec.StrategyID, ErrNotOwner)
	}
	return nil
}

// Owned returns every record of strategyID keyed by position id.
func (r *Registry) Owned(ctx context.Context, strategyID string) (map[string]Record, error) {
	out := make(map[string]Record)
	err := r.withLock(ctx, func(m map[string]Record) (bool, error) {
		for k, rec := range m {
			if rec.StrategyID == strategyID {
				out[k] = rec
			}
		}
		return false, nil
	})
	return out, err
}

// OwnedKeys returns the sorted position ids owned by strategyID.
func (r *Registry) OwnedKeys(ctx context.Context, strategyID string) ([]string, error) {
	owned, err := r.Owned(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(owned))
	for k := range owned {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
